package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hikarilabs/warden/internal/directives"
	"github.com/hikarilabs/warden/internal/faults"
	"github.com/hikarilabs/warden/internal/identity"
	"github.com/hikarilabs/warden/internal/locking"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultWarnThreshold is the warning count at which escalation fires.
const DefaultWarnThreshold = 3

// escalationReason is attached to bans emitted by the escalation policy.
const escalationReason = "warning threshold reached"

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingIDProvider    = errors.New("id provider is required")
	errInvalidThreshold     = errors.New("warn threshold must be positive")
	errNonPositiveDuration  = errors.New("mute duration must be positive")
	errInvalidChatID        = errors.New("chat id must be non-zero")
	errNonPositiveRetention = errors.New("retention days must be positive")
	errUnknownUser          = errors.New("no moderation record for user")
)

const (
	opServiceNew    = "moderation.service.new"
	opAddWarning    = "moderation.add_warning"
	opWarningCount  = "moderation.warning_count"
	opListWarnings  = "moderation.list_warnings"
	opClearWarnings = "moderation.clear_warnings"
	opAddMute       = "moderation.add_mute"
	opActiveMutes   = "moderation.active_mutes"
	opRemoveMute    = "moderation.remove_mute"
	opSweep         = "moderation.sweep"
	opUserStats     = "moderation.user_stats"
	opChatStats     = "moderation.chat_stats"
	opRecordKick    = "moderation.record_kick"
	opRecordBan     = "moderation.record_ban"
)

// Emitter receives enforcement directives after the ledger committed the
// decision. Satisfied by directives.Dispatcher.
type Emitter interface {
	Emit(directives.Directive)
}

// ServiceConfig describes the dependencies of the moderation ledger.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	Directives    Emitter
	WarnThreshold int
}

// Service owns the warnings, mutes, and moderation_counters relations and
// applies the warning-escalation policy on every write.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	directives Emitter
	threshold  int
	locks      locking.KeyedMutex
}

// NewService constructs the moderation ledger service. A zero threshold
// falls back to DefaultWarnThreshold; a negative one is rejected.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, faults.Storage(opServiceNew+".missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, faults.Validation(opServiceNew+".missing_id_provider", errMissingIDProvider)
	}
	threshold := cfg.WarnThreshold
	if threshold == 0 {
		threshold = DefaultWarnThreshold
	}
	if threshold < 0 {
		return nil, faults.Validation(opServiceNew+".invalid_threshold", errInvalidThreshold)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		directives: cfg.Directives,
		threshold:  threshold,
	}, nil
}

// AddWarning appends a warning for the (user, chat) pair and evaluates the
// escalation policy against the resulting count. Reaching the threshold
// clears the pair's warning history in the same transaction and emits a
// single ban directive after commit, so residual state can never produce a
// duplicate ban for the same violation.
func (s *Service) AddWarning(ctx context.Context, user identity.UserRef, chatID int64, issuer identity.UserRef, reason string) (WarningOutcome, error) {
	userID, err := user.ID()
	if err != nil {
		return WarningOutcome{}, faults.Validation(opAddWarning+".unresolved_user", err)
	}
	issuerID, err := issuer.ID()
	if err != nil {
		return WarningOutcome{}, faults.Validation(opAddWarning+".unresolved_issuer", err)
	}
	if chatID == 0 {
		return WarningOutcome{}, faults.Validation(opAddWarning+".invalid_chat_id", errInvalidChatID)
	}

	rowID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddWarning, "id_generation_failed", err)
		return WarningOutcome{}, faults.Storage(opAddWarning+".id_generation_failed", err)
	}

	key := pairKey(userID, chatID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	now := s.clock().UTC()
	var outcome WarningOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		warning := Warning{
			ID:         rowID,
			UserID:     userID,
			ChatID:     chatID,
			IssuerID:   issuerID,
			Reason:     reason,
			CreatedAtS: now.Unix(),
		}
		if err := tx.Create(&warning).Error; err != nil {
			return err
		}
		if err := bumpCounter(tx, userID, "warnings_count", now); err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&Warning{}).
			Where("user_id = ? AND chat_id = ?", userID, chatID).
			Count(&count).Error; err != nil {
			return err
		}
		outcome = WarningOutcome{Count: int(count)}

		if int(count) >= s.threshold {
			if err := tx.Where("user_id = ? AND chat_id = ?", userID, chatID).
				Delete(&Warning{}).Error; err != nil {
				return err
			}
			if err := bumpCounter(tx, userID, "bans_count", now); err != nil {
				return err
			}
			outcome.Escalated = true
		}
		return nil
	})
	if txErr != nil {
		s.logError(opAddWarning, "persist_failed", txErr,
			zap.Int64("user_id", userID), zap.Int64("chat_id", chatID))
		return WarningOutcome{}, faults.Storage(opAddWarning+".persist_failed", txErr)
	}

	if outcome.Escalated {
		s.logger.Info("warning threshold reached, escalating",
			zap.Int64("user_id", userID),
			zap.Int64("chat_id", chatID),
			zap.Int("warnings", outcome.Count))
		s.emit(directives.Ban(userID, chatID, escalationReason, now))
	}
	return outcome, nil
}

// WarningCount returns the number of warnings on record for the pair.
func (s *Service) WarningCount(ctx context.Context, userID, chatID int64) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Warning{}).
		Where("user_id = ? AND chat_id = ?", userID, chatID).
		Count(&count).Error
	if err != nil {
		s.logError(opWarningCount, "query_failed", err, zap.Int64("user_id", userID))
		return 0, faults.Storage(opWarningCount+".query_failed", err)
	}
	return int(count), nil
}

// ListWarnings returns the pair's warnings ordered newest first.
func (s *Service) ListWarnings(ctx context.Context, userID, chatID int64) ([]Warning, error) {
	var warnings []Warning
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND chat_id = ?", userID, chatID).
		Order("created_at_s DESC, id DESC").
		Find(&warnings).Error
	if err != nil {
		s.logError(opListWarnings, "query_failed", err, zap.Int64("user_id", userID))
		return nil, faults.Storage(opListWarnings+".query_failed", err)
	}
	return warnings, nil
}

// ClearWarnings deletes the pair's warning rows, resetting its count to
// zero. Lifetime counters are untouched.
func (s *Service) ClearWarnings(ctx context.Context, user identity.UserRef, chatID int64) error {
	userID, err := user.ID()
	if err != nil {
		return faults.Validation(opClearWarnings+".unresolved_user", err)
	}

	key := pairKey(userID, chatID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND chat_id = ?", userID, chatID).
		Delete(&Warning{}).Error; err != nil {
		s.logError(opClearWarnings, "delete_failed", err, zap.Int64("user_id", userID))
		return faults.Storage(opClearWarnings+".delete_failed", err)
	}
	return nil
}

// AddMute records a mute ending at now + duration. An already-active mute
// for the pair is superseded, never duplicated. A mute directive is emitted
// after commit.
func (s *Service) AddMute(ctx context.Context, user identity.UserRef, chatID int64, issuer identity.UserRef, duration time.Duration) (time.Time, error) {
	userID, err := user.ID()
	if err != nil {
		return time.Time{}, faults.Validation(opAddMute+".unresolved_user", err)
	}
	issuerID, err := issuer.ID()
	if err != nil {
		return time.Time{}, faults.Validation(opAddMute+".unresolved_issuer", err)
	}
	if chatID == 0 {
		return time.Time{}, faults.Validation(opAddMute+".invalid_chat_id", errInvalidChatID)
	}
	if duration <= 0 {
		return time.Time{}, faults.Validation(opAddMute+".non_positive_duration", errNonPositiveDuration)
	}

	rowID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddMute, "id_generation_failed", err)
		return time.Time{}, faults.Storage(opAddMute+".id_generation_failed", err)
	}

	key := pairKey(userID, chatID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	now := s.clock().UTC()
	unmuteAt := now.Add(duration)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND chat_id = ? AND unmute_time_s > ?", userID, chatID, now.Unix()).
			Delete(&MuteRecord{}).Error; err != nil {
			return err
		}
		record := MuteRecord{
			ID:          rowID,
			UserID:      userID,
			ChatID:      chatID,
			IssuerID:    issuerID,
			DurationS:   int64(duration / time.Second),
			UnmuteTimeS: unmuteAt.Unix(),
			CreatedAtS:  now.Unix(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return bumpCounter(tx, userID, "mutes_count", now)
	})
	if txErr != nil {
		s.logError(opAddMute, "persist_failed", txErr,
			zap.Int64("user_id", userID), zap.Int64("chat_id", chatID))
		return time.Time{}, faults.Storage(opAddMute+".persist_failed", txErr)
	}

	s.emit(directives.Mute(userID, chatID, duration, unmuteAt, now))
	return unmuteAt, nil
}

// ActiveMutes returns the chat's mutes whose unmute time is still in the
// future. Expired records simply stop appearing; the sweeper removes them.
func (s *Service) ActiveMutes(ctx context.Context, chatID int64) ([]MuteRecord, error) {
	now := s.clock().UTC()
	var mutes []MuteRecord
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND unmute_time_s > ?", chatID, now.Unix()).
		Order("unmute_time_s ASC").
		Find(&mutes).Error
	if err != nil {
		s.logError(opActiveMutes, "query_failed", err, zap.Int64("chat_id", chatID))
		return nil, faults.Storage(opActiveMutes+".query_failed", err)
	}
	return mutes, nil
}

// RemoveMute deletes the pair's mute rows unconditionally, whether active
// or already expired.
func (s *Service) RemoveMute(ctx context.Context, user identity.UserRef, chatID int64) error {
	userID, err := user.ID()
	if err != nil {
		return faults.Validation(opRemoveMute+".unresolved_user", err)
	}

	key := pairKey(userID, chatID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND chat_id = ?", userID, chatID).
		Delete(&MuteRecord{}).Error; err != nil {
		s.logError(opRemoveMute, "delete_failed", err, zap.Int64("user_id", userID))
		return faults.Storage(opRemoveMute+".delete_failed", err)
	}
	return nil
}

// Sweep prunes warnings older than the retention window and mutes whose
// unmute time has passed. Running it again with no new data removes
// nothing further. Lifetime counters are never touched.
func (s *Service) Sweep(ctx context.Context, retentionDays int) (SweepResult, error) {
	if retentionDays <= 0 {
		return SweepResult{}, faults.Validation(opSweep+".non_positive_retention", errNonPositiveRetention)
	}

	now := s.clock().UTC()
	cutoff := now.AddDate(0, 0, -retentionDays)

	var result SweepResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		warnings := tx.Where("created_at_s < ?", cutoff.Unix()).Delete(&Warning{})
		if warnings.Error != nil {
			return warnings.Error
		}
		result.WarningsRemoved = warnings.RowsAffected

		mutes := tx.Where("unmute_time_s < ?", now.Unix()).Delete(&MuteRecord{})
		if mutes.Error != nil {
			return mutes.Error
		}
		result.MutesRemoved = mutes.RowsAffected
		return nil
	})
	if txErr != nil {
		s.logError(opSweep, "sweep_failed", txErr)
		return SweepResult{}, faults.Storage(opSweep+".sweep_failed", txErr)
	}

	if result.WarningsRemoved > 0 || result.MutesRemoved > 0 {
		s.logger.Info("retention sweep completed",
			zap.Int64("warnings_removed", result.WarningsRemoved),
			zap.Int64("mutes_removed", result.MutesRemoved),
			zap.Int("retention_days", retentionDays))
	}
	return result, nil
}

// UserStats returns the user's lifetime counters together with the warnings
// currently on record across all chats.
func (s *Service) UserStats(ctx context.Context, userID int64) (UserStats, error) {
	var counters ModerationCounters
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&counters).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserStats{}, faults.NotFound(opUserStats+".unknown_user", fmt.Errorf("%w: %d", errUnknownUser, userID))
	}
	if err != nil {
		s.logError(opUserStats, "query_failed", err, zap.Int64("user_id", userID))
		return UserStats{}, faults.Storage(opUserStats+".query_failed", err)
	}

	var current int64
	if err := s.db.WithContext(ctx).Model(&Warning{}).
		Where("user_id = ?", userID).
		Count(&current).Error; err != nil {
		s.logError(opUserStats, "query_failed", err, zap.Int64("user_id", userID))
		return UserStats{}, faults.Storage(opUserStats+".query_failed", err)
	}
	return UserStats{Counters: counters, CurrentWarnings: current}, nil
}

// ChatStats summarizes the chat's moderation state.
func (s *Service) ChatStats(ctx context.Context, chatID int64) (ChatStats, error) {
	now := s.clock().UTC()
	var stats ChatStats

	err := s.db.WithContext(ctx).Model(&Warning{}).
		Where("chat_id = ?", chatID).
		Distinct("user_id").
		Count(&stats.WarnedUsers).Error
	if err != nil {
		s.logError(opChatStats, "query_failed", err, zap.Int64("chat_id", chatID))
		return ChatStats{}, faults.Storage(opChatStats+".query_failed", err)
	}
	err = s.db.WithContext(ctx).Model(&Warning{}).
		Where("chat_id = ?", chatID).
		Count(&stats.TotalWarnings).Error
	if err != nil {
		s.logError(opChatStats, "query_failed", err, zap.Int64("chat_id", chatID))
		return ChatStats{}, faults.Storage(opChatStats+".query_failed", err)
	}
	err = s.db.WithContext(ctx).Model(&MuteRecord{}).
		Where("chat_id = ? AND unmute_time_s > ?", chatID, now.Unix()).
		Count(&stats.ActiveMutes).Error
	if err != nil {
		s.logError(opChatStats, "query_failed", err, zap.Int64("chat_id", chatID))
		return ChatStats{}, faults.Storage(opChatStats+".query_failed", err)
	}
	return stats, nil
}

// RecordKick bumps the user's lifetime kick counter. Called by the
// transport after it executed a kick.
func (s *Service) RecordKick(ctx context.Context, user identity.UserRef) error {
	return s.recordEnforcement(ctx, opRecordKick, user, "kicks_count")
}

// RecordBan bumps the user's lifetime ban counter. Called by the transport
// for bans executed outside the escalation policy.
func (s *Service) RecordBan(ctx context.Context, user identity.UserRef) error {
	return s.recordEnforcement(ctx, opRecordBan, user, "bans_count")
}

func (s *Service) recordEnforcement(ctx context.Context, operation string, user identity.UserRef, column string) error {
	userID, err := user.ID()
	if err != nil {
		return faults.Validation(operation+".unresolved_user", err)
	}
	now := s.clock().UTC()
	if err := bumpCounter(s.db.WithContext(ctx), userID, column, now); err != nil {
		s.logError(operation, "persist_failed", err, zap.Int64("user_id", userID))
		return faults.Storage(operation+".persist_failed", err)
	}
	return nil
}

// bumpCounter upserts the user's counter row, incrementing one column.
func bumpCounter(tx *gorm.DB, userID int64, column string, now time.Time) error {
	seed := ModerationCounters{UserID: userID, UpdatedAtS: now.Unix()}
	switch column {
	case "warnings_count":
		seed.WarningsCount = 1
	case "mutes_count":
		seed.MutesCount = 1
	case "kicks_count":
		seed.KicksCount = 1
	case "bans_count":
		seed.BansCount = 1
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			column:         gorm.Expr(column + " + 1"),
			"updated_at_s": now.Unix(),
		}),
	}).Create(&seed).Error
}

func (s *Service) emit(directive directives.Directive) {
	if s.directives == nil {
		return
	}
	s.directives.Emit(directive)
}

func pairKey(userID, chatID int64) string {
	return fmt.Sprintf("pair:%d:%d", userID, chatID)
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
	s.logger.Error("moderation ledger error", attrs...)
}
