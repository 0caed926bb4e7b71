// Package sweep содержит фоновый процесс пометки просроченных партий.
package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Store определяет контракт хранилища, используемый фоновым процессом.
type Store interface {
	ExpireBatches(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper периодически переводит партии с истёкшим сроком в статус EXPIRED.
// Статус в хранилище вторичен: остальной код проверяет срок по expires_at,
// поэтому пропущенный тик не влияет на корректность операций.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewSweeper создаёт фоновый процесс с указанным интервалом обхода.
func NewSweeper(store Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run запускает цикл обхода до отмены контекста.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.store.ExpireBatches(ctx, s.now())
	if err != nil {
		s.logger.Error("expire batches", zap.Error(err))
		return
	}

	if expired > 0 {
		s.logger.Info("batches expired",
			zap.Int64("count", expired),
		)
	}
}
