// Package cleanup は期限切れデータの定期削除ジョブを提供する。
// 期限切れのセッションと、引き換えられずに失効したハンドオフコードを削除する。
// 期限の判定は読み込み時にも行われるため、このジョブは保存データの整理に限られる。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は期限切れセッションを削除する。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// HandoffPurger は期限切れのハンドオフコードを消去する。
type HandoffPurger interface {
	PurgeExpiredHandoffs(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は期限切れデータの削除ジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions SessionPurger
	handoffs HandoffPurger
	logger   *slog.Logger
	now      func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。sessions と handoffs はどちらも nil を許す。
func NewCleanupJob(sessions SessionPurger, handoffs HandoffPurger, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sessions: sessions,
		handoffs: handoffs,
		logger:   logger,
		now:      time.Now,
	}
}

// Run は期限切れのセッションとハンドオフコードを1回削除する。
// 片方が失敗してももう片方は実行する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now()

	var (
		sessionCount int64
		handoffCount int64
		errs         []error
	)

	if j.sessions != nil {
		n, err := j.sessions.DeleteExpired(ctx, now)
		if err != nil {
			j.logger.Error("期限切れセッションの削除に失敗しました",
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("failed to delete expired sessions: %w", err))
		}
		sessionCount = n
	}

	if j.handoffs != nil {
		n, err := j.handoffs.PurgeExpiredHandoffs(ctx, now)
		if err != nil {
			j.logger.Error("期限切れハンドオフコードの消去に失敗しました",
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("failed to purge expired handoff codes: %w", err))
		}
		handoffCount = n
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessionCount),
		slog.Int64("purged_handoffs", handoffCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return errors.Join(errs...)
}

// Start は起動直後に1回実行し、その後 interval ごとに Run を繰り返す。
// ctx がキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブが失敗しました", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブが失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}
