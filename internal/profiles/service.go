package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hikarilabs/warden/internal/faults"
	"github.com/hikarilabs/warden/internal/identity"
	"github.com/hikarilabs/warden/internal/leveling"
	"github.com/hikarilabs/warden/internal/locking"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errNegativeDelta    = errors.New("experience delta must be non-negative")
	errNonPositiveLimit = errors.New("limit must be positive")
	errUnknownUser      = errors.New("no profile for user")
)

const (
	opServiceNew     = "profiles.service.new"
	opRecordActivity = "profiles.record_activity"
	opGetLevel       = "profiles.get_level"
	opGetProfile     = "profiles.get_profile"
	opTop            = "profiles.top"
	opRankOf         = "profiles.rank_of"
)

// maxWriteAttempts bounds retries when a cross-process writer races the
// same profile row past the in-process lock.
const maxWriteAttempts = 3

// ServiceConfig describes the dependencies of the profile ledger.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the user_profiles relation: progression writes and the
// leaderboard read views.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	locks  locking.KeyedMutex
}

// NewService constructs the profile ledger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, faults.Storage(opServiceNew+".missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// RecordActivity applies one activity event: creates the profile on first
// contact, otherwise adds the delta, recomputes the level, and refreshes
// display name, message count, and last-activity time. LeveledUp is true
// iff the stored level increased.
func (s *Service) RecordActivity(ctx context.Context, user identity.UserRef, displayName string, experienceDelta int64) (ActivityResult, error) {
	userID, err := user.ID()
	if err != nil {
		return ActivityResult{}, faults.Validation(opRecordActivity+".unresolved_user", err)
	}
	if experienceDelta < 0 {
		return ActivityResult{}, faults.Validation(opRecordActivity+".negative_delta", errNegativeDelta)
	}

	key := lockKey(userID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var result ActivityResult
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		result, lastErr = s.applyActivity(ctx, userID, displayName, experienceDelta)
		if lastErr == nil {
			return result, nil
		}
		if !errors.Is(lastErr, gorm.ErrDuplicatedKey) {
			break
		}
	}
	if errors.Is(lastErr, gorm.ErrDuplicatedKey) {
		s.logError(opRecordActivity, "write_conflict", lastErr, zap.Int64("user_id", userID))
		return ActivityResult{}, faults.Conflict(opRecordActivity+".write_conflict", lastErr)
	}
	s.logError(opRecordActivity, "persist_failed", lastErr, zap.Int64("user_id", userID))
	return ActivityResult{}, faults.Storage(opRecordActivity+".persist_failed", lastErr)
}

func (s *Service) applyActivity(ctx context.Context, userID int64, displayName string, experienceDelta int64) (ActivityResult, error) {
	now := s.clock().UTC()
	var result ActivityResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile UserProfile
		err := tx.Where("user_id = ?", userID).Take(&profile).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			profile = UserProfile{
				UserID:        userID,
				DisplayName:   displayName,
				Experience:    experienceDelta,
				Level:         leveling.ForExperience(experienceDelta),
				MessageCount:  1,
				LastActivityS: now.Unix(),
				CreatedAtS:    now.Unix(),
			}
			if err := tx.Create(&profile).Error; err != nil {
				return err
			}
			result = ActivityResult{Level: profile.Level, Experience: profile.Experience, LeveledUp: false}
			return nil
		}
		if err != nil {
			return err
		}

		previousLevel := profile.Level
		profile.Experience += experienceDelta
		profile.Level = leveling.ForExperience(profile.Experience)
		profile.MessageCount++
		profile.LastActivityS = now.Unix()
		if displayName != "" {
			profile.DisplayName = displayName
		}
		if err := tx.Save(&profile).Error; err != nil {
			return err
		}
		result = ActivityResult{
			Level:      profile.Level,
			Experience: profile.Experience,
			LeveledUp:  profile.Level > previousLevel,
		}
		return nil
	})
	if err != nil {
		return ActivityResult{}, err
	}
	return result, nil
}

// GetLevel returns the stored level and experience for a user.
func (s *Service) GetLevel(ctx context.Context, userID int64) (int, int64, error) {
	profile, err := s.profileByID(ctx, opGetLevel, userID)
	if err != nil {
		return 0, 0, err
	}
	return profile.Level, profile.Experience, nil
}

// GetProfile returns the full progression record for a user.
func (s *Service) GetProfile(ctx context.Context, userID int64) (UserProfile, error) {
	return s.profileByID(ctx, opGetProfile, userID)
}

// Top returns up to limit profiles ordered by level, then experience, then
// user id. The user-id tie-break keeps the ordering reproducible for
// identical ledger states.
func (s *Service) Top(ctx context.Context, limit int) ([]UserProfile, error) {
	if limit <= 0 {
		return nil, faults.Validation(opTop+".non_positive_limit", errNonPositiveLimit)
	}
	var standings []UserProfile
	err := s.db.WithContext(ctx).
		Order("level DESC, experience DESC, user_id ASC").
		Limit(limit).
		Find(&standings).Error
	if err != nil {
		s.logError(opTop, "query_failed", err)
		return nil, faults.Storage(opTop+".query_failed", err)
	}
	return standings, nil
}

// RankOf returns the 1-based position of a user in the full ordering: one
// plus the number of profiles ranked strictly higher.
func (s *Service) RankOf(ctx context.Context, userID int64) (int, error) {
	profile, err := s.profileByID(ctx, opRankOf, userID)
	if err != nil {
		return 0, err
	}

	var higher int64
	err = s.db.WithContext(ctx).
		Model(&UserProfile{}).
		Where(
			"level > ? OR (level = ? AND experience > ?) OR (level = ? AND experience = ? AND user_id < ?)",
			profile.Level, profile.Level, profile.Experience, profile.Level, profile.Experience, profile.UserID,
		).
		Count(&higher).Error
	if err != nil {
		s.logError(opRankOf, "query_failed", err, zap.Int64("user_id", userID))
		return 0, faults.Storage(opRankOf+".query_failed", err)
	}
	return int(higher) + 1, nil
}

func (s *Service) profileByID(ctx context.Context, operation string, userID int64) (UserProfile, error) {
	var profile UserProfile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserProfile{}, faults.NotFound(operation+".unknown_user", fmt.Errorf("%w: %d", errUnknownUser, userID))
	}
	if err != nil {
		s.logError(operation, "query_failed", err, zap.Int64("user_id", userID))
		return UserProfile{}, faults.Storage(operation+".query_failed", err)
	}
	return profile, nil
}

func lockKey(userID int64) string {
	return fmt.Sprintf("profile:%d", userID)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("profile ledger error", attrs...)
}
