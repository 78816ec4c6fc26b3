package profiles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/hikarilabs/warden/internal/faults"
	"github.com/hikarilabs/warden/internal/identity"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&UserProfile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustResolved(t *testing.T, userID int64) identity.UserRef {
	t.Helper()
	ref, err := identity.Resolved(userID)
	if err != nil {
		t.Fatalf("failed to resolve user %d: %v", userID, err)
	}
	return ref
}

func TestRecordActivityCreatesProfileOnFirstEvent(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	result, err := service.RecordActivity(ctx, mustResolved(t, 1), "Rin", 40)
	if err != nil {
		t.Fatalf("record activity failed: %v", err)
	}
	if result.Level != 1 || result.Experience != 40 || result.LeveledUp {
		t.Fatalf("unexpected first-event result: %+v", result)
	}

	profile, err := service.GetProfile(ctx, 1)
	if err != nil {
		t.Fatalf("get profile failed: %v", err)
	}
	if profile.MessageCount != 1 || profile.DisplayName != "Rin" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.LastActivityS != 1700000000 {
		t.Fatalf("expected last activity from injected clock, got %d", profile.LastActivityS)
	}
}

func TestRecordActivityLevelsUpAndUpdatesFields(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.RecordActivity(ctx, mustResolved(t, 1), "Rin", 60); err != nil {
		t.Fatalf("first event failed: %v", err)
	}
	result, err := service.RecordActivity(ctx, mustResolved(t, 1), "RinChan", 50)
	if err != nil {
		t.Fatalf("second event failed: %v", err)
	}
	if !result.LeveledUp || result.Level != 2 || result.Experience != 110 {
		t.Fatalf("expected level-up to 2 at 110 xp, got %+v", result)
	}

	profile, err := service.GetProfile(ctx, 1)
	if err != nil {
		t.Fatalf("get profile failed: %v", err)
	}
	if profile.DisplayName != "RinChan" || profile.MessageCount != 2 {
		t.Fatalf("expected refreshed display name and message count, got %+v", profile)
	}
	if profile.Level != 2 || profile.Experience != 110 {
		t.Fatalf("stored level must stay derived from experience: %+v", profile)
	}
}

func TestRecordActivityRejectsNegativeDelta(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	_, err := service.RecordActivity(ctx, mustResolved(t, 1), "Rin", -5)
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
	if _, err := service.GetProfile(ctx, 1); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("rejected event must not create a profile, got %v", err)
	}
}

func TestRecordActivityRejectsUnresolvedUser(t *testing.T) {
	service := newTestService(t)

	_, err := service.RecordActivity(context.Background(), identity.Unresolved("@ghost"), "", 10)
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation fault for unresolved ref, got %v", err)
	}
}

func TestRecordActivityConcurrentEventsLoseNothing(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	const events = 20
	var wg sync.WaitGroup
	wg.Add(events)
	for i := 0; i < events; i++ {
		go func() {
			defer wg.Done()
			if _, err := service.RecordActivity(ctx, mustResolved(t, 1), "Rin", 10); err != nil {
				t.Errorf("concurrent event failed: %v", err)
			}
		}()
	}
	wg.Wait()

	profile, err := service.GetProfile(ctx, 1)
	if err != nil {
		t.Fatalf("get profile failed: %v", err)
	}
	if profile.Experience != events*10 {
		t.Fatalf("expected %d experience, got %d", events*10, profile.Experience)
	}
	if profile.MessageCount != events {
		t.Fatalf("expected %d messages, got %d", events, profile.MessageCount)
	}
}

func TestDuplicateProfileInsertMatchesDuplicatedKey(t *testing.T) {
	service := newTestService(t)

	if err := service.db.Create(&UserProfile{UserID: 1, Level: 1}).Error; err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	err := service.db.Create(&UserProfile{UserID: 1, Level: 1}).Error
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("duplicate insert must classify as gorm.ErrDuplicatedKey, got %v", err)
	}
}

func TestRecordActivityRetriesTransientDuplicate(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	// The first create loses a race against another writer; the retry must
	// pick the row back up and succeed.
	raced := false
	err := service.db.Callback().Create().Before("gorm:create").Register("racing_writer", func(tx *gorm.DB) {
		if raced {
			return
		}
		raced = true
		_ = tx.AddError(gorm.ErrDuplicatedKey)
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	result, err := service.RecordActivity(ctx, mustResolved(t, 1), "Rin", 10)
	if err != nil {
		t.Fatalf("record activity failed after transient duplicate: %v", err)
	}
	if result.Experience != 10 {
		t.Fatalf("unexpected result after retry: %+v", result)
	}
	if !raced {
		t.Fatalf("racing writer never fired")
	}
}

func TestRecordActivityClassifiesPersistentDuplicateAsConflict(t *testing.T) {
	service := newTestService(t)

	attempts := 0
	err := service.db.Callback().Create().Before("gorm:create").Register("persistent_duplicate", func(tx *gorm.DB) {
		attempts++
		_ = tx.AddError(gorm.ErrDuplicatedKey)
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	_, recordErr := service.RecordActivity(context.Background(), mustResolved(t, 1), "Rin", 10)
	if !errors.Is(recordErr, faults.ErrConflict) {
		t.Fatalf("expected conflict fault after exhausted retries, got %v", recordErr)
	}
	if attempts != maxWriteAttempts {
		t.Fatalf("expected %d bounded attempts, got %d", maxWriteAttempts, attempts)
	}
}

func seedStandings(t *testing.T, service *Service) {
	t.Helper()
	ctx := context.Background()
	// user 3 and user 1 tie on (level, experience); user 1 must rank first.
	seed := []struct {
		userID int64
		delta  int64
	}{
		{2, 300},
		{3, 110},
		{1, 110},
		{4, 10},
	}
	for _, row := range seed {
		if _, err := service.RecordActivity(ctx, mustResolved(t, row.userID), fmt.Sprintf("user-%d", row.userID), row.delta); err != nil {
			t.Fatalf("seed failed for user %d: %v", row.userID, err)
		}
	}
}

func TestTopOrdersDeterministically(t *testing.T) {
	service := newTestService(t)
	seedStandings(t, service)

	standings, err := service.Top(context.Background(), 10)
	if err != nil {
		t.Fatalf("top failed: %v", err)
	}
	got := make([]int64, 0, len(standings))
	for _, profile := range standings {
		got = append(got, profile.UserID)
	}
	want := []int64{2, 1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestTopHonorsLimit(t *testing.T) {
	service := newTestService(t)
	seedStandings(t, service)

	standings, err := service.Top(context.Background(), 2)
	if err != nil {
		t.Fatalf("top failed: %v", err)
	}
	if len(standings) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(standings))
	}

	if _, err := service.Top(context.Background(), 0); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation fault for non-positive limit, got %v", err)
	}
}

func TestRankOfMatchesFullOrdering(t *testing.T) {
	service := newTestService(t)
	seedStandings(t, service)
	ctx := context.Background()

	wantRanks := map[int64]int{2: 1, 1: 2, 3: 3, 4: 4}
	for userID, want := range wantRanks {
		rank, err := service.RankOf(ctx, userID)
		if err != nil {
			t.Fatalf("rank of %d failed: %v", userID, err)
		}
		if rank != want {
			t.Fatalf("expected user %d at rank %d, got %d", userID, want, rank)
		}
	}
}

func TestRankOfUnknownUserIsNotFound(t *testing.T) {
	service := newTestService(t)
	seedStandings(t, service)

	if _, err := service.RankOf(context.Background(), 999); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not-found fault, got %v", err)
	}
}

func TestGetLevelReturnsStoredProgression(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.RecordActivity(ctx, mustResolved(t, 1), "Rin", 250); err != nil {
		t.Fatalf("record activity failed: %v", err)
	}
	level, experience, err := service.GetLevel(ctx, 1)
	if err != nil {
		t.Fatalf("get level failed: %v", err)
	}
	if level != 3 || experience != 250 {
		t.Fatalf("expected level 3 at 250 xp, got level=%d xp=%d", level, experience)
	}

	if _, _, err := service.GetLevel(ctx, 2); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not-found for unknown user, got %v", err)
	}
}
