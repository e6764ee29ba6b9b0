// Package cleanup は放置されたクライアントストレージの自動削除ジョブを提供する。
// 最終更新から保持期間（デフォルト30日）を超えたクライアントの行を定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultRetention はクライアントストレージの既定の保持期間。
	DefaultRetention = 720 * time.Hour
	// DefaultInterval は定期実行の既定の間隔。
	DefaultInterval = 24 * time.Hour
)

// StoragePurger は古いクライアントストレージを削除する。
// *repository.PostgresClientStorageRepoが実装する。
type StoragePurger interface {
	PurgeStale(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したクライアントストレージの削除ジョブ。
// 冪等であり、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	purger    StoragePurger
	logger    *slog.Logger
	now       func() time.Time
	Retention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。retentionが0以下の場合はDefaultRetentionを使う。
func NewCleanupJob(purger StoragePurger, retention time.Duration, logger *slog.Logger) *CleanupJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		purger:    purger,
		logger:    logger,
		now:       time.Now,
		Retention: retention,
	}
}

// Run は最終更新がRetentionより古いクライアントの行を削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	before := start.Add(-j.Retention)

	deleted, err := j.purger.PurgeStale(ctx, before)
	if err != nil {
		j.logger.Error("クライアントストレージのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("クライアントストレージのクリーンアップに失敗: %w", err)
	}

	j.logger.Info("クライアントストレージのクリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Duration("retention", j.Retention),
		slog.Time("before", before),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降intervalごとに実行する。ctxがキャンセルされるまでブロックする。
// 個々の実行の失敗はログに記録して継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
