package moderation

import "time"

// Warning is one moderation strike scoped to a (user, chat) pair. Rows are
// immutable once created and leave the ledger only through an explicit
// clear, escalation, or the retention sweep.
type Warning struct {
	ID         string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID     int64  `gorm:"column:user_id;not null;index:idx_warnings_pair,priority:1"`
	ChatID     int64  `gorm:"column:chat_id;not null;index:idx_warnings_pair,priority:2"`
	IssuerID   int64  `gorm:"column:issuer_id;not null"`
	Reason     string `gorm:"column:reason;type:text;not null;default:''"`
	CreatedAtS int64  `gorm:"column:created_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Warning) TableName() string {
	return "warnings"
}

// MuteRecord is a time-bounded restriction for a (user, chat) pair. At most
// one active record (unmute time in the future) exists per pair; a new mute
// supersedes the active one.
type MuteRecord struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID      int64  `gorm:"column:user_id;not null;index:idx_mutes_pair,priority:1"`
	ChatID      int64  `gorm:"column:chat_id;not null;index:idx_mutes_pair,priority:2"`
	IssuerID    int64  `gorm:"column:issuer_id;not null"`
	DurationS   int64  `gorm:"column:duration_s;not null"`
	UnmuteTimeS int64  `gorm:"column:unmute_time_s;not null;index"`
	CreatedAtS  int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MuteRecord) TableName() string {
	return "mutes"
}

// Active reports whether the mute is still in force at the given instant.
func (m MuteRecord) Active(now time.Time) bool {
	return m.UnmuteTimeS > now.Unix()
}

// ModerationCounters aggregates lifetime enforcement totals per user. The
// counters only grow; the retention sweep prunes detail rows but never
// touches these.
type ModerationCounters struct {
	UserID        int64 `gorm:"column:user_id;primaryKey"`
	WarningsCount int64 `gorm:"column:warnings_count;not null;default:0"`
	MutesCount    int64 `gorm:"column:mutes_count;not null;default:0"`
	KicksCount    int64 `gorm:"column:kicks_count;not null;default:0"`
	BansCount     int64 `gorm:"column:bans_count;not null;default:0"`
	UpdatedAtS    int64 `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ModerationCounters) TableName() string {
	return "moderation_counters"
}

// WarningOutcome reports the result of one add-warning call.
type WarningOutcome struct {
	// Count is the number of warnings on record after the append, before
	// any escalation clear.
	Count int
	// Escalated is true when the count reached the threshold and a ban
	// directive was emitted; the pair's warning history is cleared.
	Escalated bool
}

// SweepResult reports how many rows a retention sweep removed.
type SweepResult struct {
	WarningsRemoved int64
	MutesRemoved    int64
}

// UserStats combines lifetime counters with the warnings currently held
// against the user across all chats.
type UserStats struct {
	Counters        ModerationCounters
	CurrentWarnings int64
}

// ChatStats summarizes moderation activity inside one chat.
type ChatStats struct {
	WarnedUsers   int64
	TotalWarnings int64
	ActiveMutes   int64
}
