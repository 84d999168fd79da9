package syncer

import "gorm.io/datatypes"

// Operation mirrors one remote activity record. The composite primary key
// (user, remote id) is what makes repeated syncs converge: writing the same
// remote id again merges fields instead of creating a duplicate row.
type Operation struct {
	UserID         string         `gorm:"column:user_id;primaryKey;size:190;not null"`
	RemoteID       string         `gorm:"column:remote_id;primaryKey;size:190;not null"`
	Source         string         `gorm:"column:source;size:32;not null;index:idx_operations_user_source"`
	Raw            datatypes.JSON `gorm:"column:raw;not null"`
	SyncedAtMillis int64          `gorm:"column:synced_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "exchange_operations"
}

// PartitionResult reports the fate of one upsert batch.
type PartitionResult struct {
	Index     int
	Size      int
	Committed bool
}

// SyncResult summarizes one synchronization run.
type SyncResult struct {
	Fetched      int
	Written      int
	CursorMillis int64
	Partitions   []PartitionResult
}
