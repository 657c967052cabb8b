package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/fakturidias/internal/model"
	"github.com/hitoshi/fakturidias/internal/repository"
)

type mockSessionPurger struct {
	calls atomic.Int32
	gotAt time.Time
	n     int64
	err   error
}

func (m *mockSessionPurger) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.calls.Add(1)
	m.gotAt = now
	return m.n, m.err
}

type mockHandoffPurger struct {
	calls atomic.Int32
	n     int64
	err   error
}

func (m *mockHandoffPurger) PurgeExpiredHandoffs(context.Context, time.Time) (int64, error) {
	m.calls.Add(1)
	return m.n, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// findLogEntry は指定キーを含む最初のJSONログ行を返す。
func findLogEntry(buf *bytes.Buffer, key string) map[string]interface{} {
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if _, ok := entry[key]; ok {
			return entry
		}
	}
	return nil
}

func TestCleanupJob_Run_PurgesBoth(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessionPurger{n: 3}
	handoffs := &mockHandoffPurger{n: 2}
	job := NewCleanupJob(sessions, handoffs, newTestLogger(&buf))
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return fixed }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if sessions.calls.Load() != 1 || handoffs.calls.Load() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", sessions.calls.Load(), handoffs.calls.Load())
	}
	if !sessions.gotAt.Equal(fixed) {
		t.Errorf("DeleteExpired now = %v, want %v", sessions.gotAt, fixed)
	}

	entry := findLogEntry(&buf, "deleted_sessions")
	if entry == nil {
		t.Fatalf("完了ログが記録されていない。ログ出力: %s", buf.String())
	}
	if entry["deleted_sessions"] != float64(3) {
		t.Errorf("deleted_sessions = %v, want 3", entry["deleted_sessions"])
	}
	if entry["purged_handoffs"] != float64(2) {
		t.Errorf("purged_handoffs = %v, want 2", entry["purged_handoffs"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("ログに duration_ms が記録されていない")
	}
}

func TestCleanupJob_Run_ContinuesAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessionPurger{err: errors.New("connection refused")}
	handoffs := &mockHandoffPurger{n: 1}
	job := NewCleanupJob(sessions, handoffs, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("セッション削除の失敗時は Run() がエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if handoffs.calls.Load() != 1 {
		t.Error("セッション削除が失敗してもハンドオフコードの消去は実行されるべき")
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_NilPurgers(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(nil, nil, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	entry := findLogEntry(&buf, "deleted_sessions")
	if entry == nil || entry["deleted_sessions"] != float64(0) {
		t.Errorf("0件でもログが記録されるべき。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_WithMemorySessionRepo(t *testing.T) {
	var buf bytes.Buffer
	repo := repository.NewMemorySessionRepo()
	ctx := context.Background()
	now := time.Now()
	repo.Create(ctx, &model.Session{ID: "expired", Identity: "a@example.com", ExpiresAt: now.Add(-time.Minute)})
	repo.Create(ctx, &model.Session{ID: "live", Identity: "a@example.com", ExpiresAt: now.Add(time.Hour)})

	job := NewCleanupJob(repo, nil, newTestLogger(&buf))
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if s, _ := repo.FindByID(ctx, "expired"); s != nil {
		t.Error("期限切れセッションは削除されるべき")
	}
	if s, _ := repo.FindByID(ctx, "live"); s == nil {
		t.Error("有効なセッションは残るべき")
	}
}

func TestCleanupJob_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessionPurger{}
	job := NewCleanupJob(sessions, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sessions.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("ジョブが定期実行されていない")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Start が終了しない")
	}
}

func TestCleanupJob_Start_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessionPurger{err: errors.New("connection refused")}
	job := NewCleanupJob(sessions, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job.Start(ctx, time.Hour)

	if !strings.Contains(buf.String(), "クリーンアップジョブが失敗しました") {
		t.Errorf("失敗ログが記録されていない。ログ出力: %s", buf.String())
	}
}
