package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/hikarilabs/warden/internal/auth"
	"github.com/hikarilabs/warden/internal/directives"
	"github.com/hikarilabs/warden/internal/moderation"
	"github.com/hikarilabs/warden/internal/profiles"
	"github.com/hikarilabs/warden/internal/ratelimit"
	"gorm.io/gorm"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

type testEnv struct {
	handler http.Handler
	token   string
	clock   *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&profiles.UserProfile{},
		&moderation.Warning{},
		&moderation.MuteRecord{},
		&moderation.ModerationCounters{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	dispatcher := directives.NewDispatcher(directives.DispatcherConfig{})

	profileService, err := profiles.NewService(profiles.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create profile service: %v", err)
	}
	moderationService, err := moderation.NewService(moderation.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: moderation.NewUUIDProvider(),
		Directives: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to create moderation service: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Clock:         clock.Now,
	})
	token, _, err := issuer.IssueServiceToken("telegram-transport")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Profiles:      profileService,
		Moderation:    moderationService,
		Gate:          ratelimit.NewGate(2 * time.Second),
		Tokens:        issuer,
		Directives:    dispatcher,
		Clock:         clock.Now,
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	return &testEnv{handler: handler, token: token, clock: clock}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer "+env.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	env := newTestEnv(t)

	request := httptest.NewRequest(http.MethodGet, "/v1/leaderboard", nil)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodGet, "/v1/leaderboard", nil)
	request.Header.Set("Authorization", "Bearer not-a-token")
	recorder = httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", recorder.Code)
	}
}

func TestRecordActivityRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/v1/activity", gin.H{
		"user_id":          5,
		"display_name":     "Rin",
		"experience_delta": 120,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["level"].(float64) != 2 || payload["experience"].(float64) != 120 {
		t.Fatalf("unexpected payload: %v", payload)
	}

	recorder = env.do(t, http.MethodGet, "/v1/users/5/level", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload = decodeBody(t, recorder)
	if payload["level"].(float64) != 2 {
		t.Fatalf("unexpected level payload: %v", payload)
	}
}

func TestRecordActivityIsRateLimited(t *testing.T) {
	env := newTestEnv(t)

	body := gin.H{"user_id": 5, "display_name": "Rin", "experience_delta": 10}
	if recorder := env.do(t, http.MethodPost, "/v1/activity", body); recorder.Code != http.StatusOK {
		t.Fatalf("first event should pass, got %d", recorder.Code)
	}
	env.clock.now = env.clock.now.Add(time.Second)
	if recorder := env.do(t, http.MethodPost, "/v1/activity", body); recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 inside cooldown, got %d", recorder.Code)
	}
	env.clock.now = env.clock.now.Add(time.Second)
	if recorder := env.do(t, http.MethodPost, "/v1/activity", body); recorder.Code != http.StatusOK {
		t.Fatalf("expected event at cooldown boundary to pass, got %d", recorder.Code)
	}
}

func TestRecordActivityRejectsNegativeDelta(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/v1/activity", gin.H{
		"user_id":          5,
		"experience_delta": -1,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative delta, got %d", recorder.Code)
	}
}

func TestLeaderboardAndRank(t *testing.T) {
	env := newTestEnv(t)

	seed := []gin.H{
		{"user_id": 1, "display_name": "a", "experience_delta": 300},
		{"user_id": 2, "display_name": "b", "experience_delta": 50},
	}
	for _, body := range seed {
		if recorder := env.do(t, http.MethodPost, "/v1/activity", body); recorder.Code != http.StatusOK {
			t.Fatalf("seed failed: %d", recorder.Code)
		}
	}

	recorder := env.do(t, http.MethodGet, "/v1/leaderboard?limit=5", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	entries := payload["leaderboard"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0].(map[string]interface{})
	if first["user_id"].(float64) != 1 {
		t.Fatalf("expected user 1 on top, got %v", first)
	}

	recorder = env.do(t, http.MethodGet, "/v1/users/2/rank", nil)
	payload = decodeBody(t, recorder)
	if payload["rank"].(float64) != 2 {
		t.Fatalf("expected rank 2, got %v", payload)
	}

	if recorder := env.do(t, http.MethodGet, "/v1/users/99/rank", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", recorder.Code)
	}
}

func TestWarningEscalationOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	var payload map[string]interface{}
	for i := 0; i < 3; i++ {
		recorder := env.do(t, http.MethodPost, "/v1/chats/10/users/5/warnings", gin.H{
			"issuer_id": 99,
			"reason":    "spam",
		})
		if recorder.Code != http.StatusOK {
			t.Fatalf("warning %d failed: %d %s", i+1, recorder.Code, recorder.Body.String())
		}
		payload = decodeBody(t, recorder)
	}
	if payload["escalated"] != true || payload["count"].(float64) != 3 {
		t.Fatalf("expected escalation on third warning, got %v", payload)
	}

	recorder := env.do(t, http.MethodGet, "/v1/chats/10/users/5/warnings", nil)
	payload = decodeBody(t, recorder)
	if payload["count"].(float64) != 0 {
		t.Fatalf("expected cleared warnings after escalation, got %v", payload)
	}

	recorder = env.do(t, http.MethodGet, "/v1/users/5/stats", nil)
	payload = decodeBody(t, recorder)
	if payload["warnings_count"].(float64) != 3 || payload["bans_count"].(float64) != 1 {
		t.Fatalf("unexpected lifetime counters: %v", payload)
	}
}

func TestMuteLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/v1/chats/10/users/5/mute", gin.H{
		"issuer_id":        99,
		"duration_seconds": 3600,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("mute failed: %d %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	wantUnmute := float64(env.clock.now.Add(time.Hour).Unix())
	if payload["unmute_time_s"].(float64) != wantUnmute {
		t.Fatalf("unexpected unmute time: %v", payload)
	}

	recorder = env.do(t, http.MethodGet, "/v1/chats/10/mutes", nil)
	payload = decodeBody(t, recorder)
	if len(payload["mutes"].([]interface{})) != 1 {
		t.Fatalf("expected one active mute, got %v", payload)
	}

	recorder = env.do(t, http.MethodDelete, "/v1/chats/10/users/5/mute", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("remove mute failed: %d", recorder.Code)
	}
	recorder = env.do(t, http.MethodGet, "/v1/chats/10/mutes", nil)
	payload = decodeBody(t, recorder)
	if len(payload["mutes"].([]interface{})) != 0 {
		t.Fatalf("expected no active mutes, got %v", payload)
	}
}

func TestMuteRejectsNonPositiveDuration(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/v1/chats/10/users/5/mute", gin.H{
		"issuer_id":        99,
		"duration_seconds": 0,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero duration, got %d", recorder.Code)
	}
}

func TestSweepEndpointUsesConfiguredRetention(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/v1/maintenance/sweep", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("sweep failed: %d %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["warnings_removed"].(float64) != 0 || payload["mutes_removed"].(float64) != 0 {
		t.Fatalf("empty ledger sweep should remove nothing: %v", payload)
	}
}

func TestEnforcementReport(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/v1/enforcement/report", gin.H{
		"user_id": 5,
		"action":  "kick",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("report failed: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = env.do(t, http.MethodGet, "/v1/users/5/stats", nil)
	payload := decodeBody(t, recorder)
	if payload["kicks_count"].(float64) != 1 {
		t.Fatalf("expected kick recorded, got %v", payload)
	}

	recorder = env.do(t, http.MethodPost, "/v1/enforcement/report", gin.H{
		"user_id": 5,
		"action":  "shadowban",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", recorder.Code)
	}
}

func TestInvalidPathIDsReturnBadRequest(t *testing.T) {
	env := newTestEnv(t)

	if recorder := env.do(t, http.MethodGet, "/v1/users/abc/level", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", recorder.Code)
	}
	if recorder := env.do(t, http.MethodGet, "/v1/users/-3/rank", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative id, got %d", recorder.Code)
	}
	if recorder := env.do(t, http.MethodGet, "/v1/chats/0/mutes", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero chat id, got %d", recorder.Code)
	}
}

func TestNegativeGroupChatIDsWorkOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/v1/chats/-100200/users/5/warnings", gin.H{
		"issuer_id": 99,
		"reason":    "spam",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("warning in group chat failed: %d %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["count"].(float64) != 1 {
		t.Fatalf("unexpected payload: %v", payload)
	}

	recorder = env.do(t, http.MethodGet, "/v1/chats/-100200/stats", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("group chat stats failed: %d", recorder.Code)
	}
	payload = decodeBody(t, recorder)
	if payload["total_warnings"].(float64) != 1 {
		t.Fatalf("unexpected stats: %v", payload)
	}
}
