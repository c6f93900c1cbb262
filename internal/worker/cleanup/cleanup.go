// Package cleanup は期限切れセッションと古いWebhook配信記録の定期削除ジョブを提供する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Result は1回のクリーンアップで削除した件数。
type Result struct {
	ExpiredSessions int64
	StaleDeliveries int64
}

// CleanupJob はPostgreSQL上の不要データを削除するジョブ。
// 冪等であり、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	db                Executor
	logger            *slog.Logger
	DeliveryRetention time.Duration // Webhook配信IDの保持期間（デフォルト: 720h）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:                db,
		logger:            logger,
		DeliveryRetention: 720 * time.Hour,
	}
}

// Run は期限切れセッションと保持期間を超えた配信記録を削除する。
func (j *CleanupJob) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	sessions, err := j.exec(ctx, "sessions",
		`DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return res, err
	}
	res.ExpiredSessions = sessions

	deliveries, err := j.exec(ctx, "webhook_deliveries",
		`DELETE FROM webhook_deliveries WHERE received_at < now() - $1::interval`,
		intervalLiteral(j.DeliveryRetention))
	if err != nil {
		return res, err
	}
	res.StaleDeliveries = deliveries

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("expired_sessions", res.ExpiredSessions),
		slog.Int64("stale_deliveries", res.StaleDeliveries),
		slog.Duration("delivery_retention", j.DeliveryRetention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return res, nil
}

func (j *CleanupJob) exec(ctx context.Context, table, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sのクリーンアップに失敗: %w", table, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sの削除件数の取得に失敗: %w", table, err)
	}
	return n, nil
}

// intervalLiteral はDurationをPostgreSQLのinterval文字列に変換する。
func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}

// Sweeper はインメモリストアの期限切れデータを削除するジョブ。
// SESSION_STORE=memory の開発構成で使う。
type Sweeper struct {
	sessions   ExpiredSessionDeleter
	deliveries DeliveryPruner
	logger     *slog.Logger
	retention  time.Duration
	now        func() time.Time
}

// ExpiredSessionDeleter は期限切れセッションを削除できるストア。
type ExpiredSessionDeleter interface {
	DeleteExpired() int
}

// DeliveryPruner は古い配信記録を削除できるストア。
type DeliveryPruner interface {
	DeleteOlderThan(cutoff time.Time) int
}

// NewSweeper は新しいSweeperを生成する。deliveriesはnilでもよい。
func NewSweeper(sessions ExpiredSessionDeleter, deliveries DeliveryPruner, retention time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		sessions:   sessions,
		deliveries: deliveries,
		logger:     logger,
		retention:  retention,
		now:        time.Now,
	}
}

// Run は期限切れデータを削除する。インメモリ操作のため失敗しない。
func (s *Sweeper) Run(_ context.Context) (Result, error) {
	var res Result
	if s.sessions != nil {
		res.ExpiredSessions = int64(s.sessions.DeleteExpired())
	}
	if s.deliveries != nil {
		res.StaleDeliveries = int64(s.deliveries.DeleteOlderThan(s.now().Add(-s.retention)))
	}

	s.logger.Debug("インメモリクリーンアップが完了しました",
		slog.Int64("expired_sessions", res.ExpiredSessions),
		slog.Int64("stale_deliveries", res.StaleDeliveries),
	)
	return res, nil
}

// Job はクリーンアップ処理の共通インターフェース。
type Job interface {
	Run(ctx context.Context) (Result, error)
}

// RunEvery は起動直後に1回、以降intervalごとにjobを実行する。ctxがキャンセルされると戻る。
// intervalが0以下の場合は1時間ごとに実行する。
func RunEvery(ctx context.Context, job Job, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	run := func() {
		if _, err := job.Run(ctx); err != nil {
			logger.Error("cleanup job failed", slog.String("error", err.Error()))
		}
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
