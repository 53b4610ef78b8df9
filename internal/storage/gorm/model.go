package gormstorage

import (
	"time"

	"gorm.io/datatypes"
)

// ReplaySession is one recorded session.
type ReplaySession struct {
	ID         uint   `gorm:"primarykey"`
	SessionID  string `gorm:"size:26;uniqueIndex"`
	ServerName string `gorm:"size:128"`
	StartedAt  time.Time
	AckedKey   uint64
}

// CommandRecord is one accepted command.
type CommandRecord struct {
	ID         uint   `gorm:"primarykey"`
	SessionRef uint   `gorm:"index:idx_command_session_seq,priority:1"`
	Seq        uint64 `gorm:"index:idx_command_session_seq,priority:2"`
	OrderKey   uint64 `gorm:"index"`
	Tick       uint64
	Kind       string `gorm:"size:32"`
	Player     uint32
	Params     datatypes.JSON
	RecordedAt time.Time
}

// SnapshotRecord is one periodic snapshot. State holds the LZ4-compressed
// canonical document, if the snapshot carried one.
type SnapshotRecord struct {
	ID           uint   `gorm:"primarykey"`
	SessionRef   uint   `gorm:"index:idx_snapshot_session_seq,priority:1"`
	Seq          uint64 `gorm:"index:idx_snapshot_session_seq,priority:2"`
	Tick         uint64
	OrderKey     uint64
	CommandCount uint64
	Fingerprint  string `gorm:"size:64"`
	State        []byte
	StateSize    int
	RecordedAt   time.Time
}

// Models lists every table the backend migrates.
var Models = []any{
	&ReplaySession{},
	&CommandRecord{},
	&SnapshotRecord{},
}
