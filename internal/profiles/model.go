package profiles

import "github.com/hikarilabs/warden/internal/leveling"

// UserProfile is the per-user progression record. Profiles are global, not
// per chat: one row per platform user, created on first activity and never
// deleted. Level is always derived from experience via the leveling
// calculator and stored alongside it.
type UserProfile struct {
	UserID        int64  `gorm:"column:user_id;primaryKey"`
	DisplayName   string `gorm:"column:display_name;size:320"`
	Experience    int64  `gorm:"column:experience;not null;default:0;index:idx_profiles_rank,priority:2"`
	Level         int    `gorm:"column:level;not null;default:1;index:idx_profiles_rank,priority:1"`
	MessageCount  int64  `gorm:"column:message_count;not null;default:0"`
	LastActivityS int64  `gorm:"column:last_activity_s;not null;default:0"`
	CreatedAtS    int64  `gorm:"column:created_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (UserProfile) TableName() string {
	return "user_profiles"
}

// Progress returns the experience spent inside the current tier and the
// tier's full requirement.
func (p UserProfile) Progress() (into int64, requirement int64) {
	_, into, requirement = leveling.Progress(p.Experience)
	return into, requirement
}

// ActivityResult reports the outcome of recording one activity event.
type ActivityResult struct {
	Level      int
	Experience int64
	LeveledUp  bool
}
