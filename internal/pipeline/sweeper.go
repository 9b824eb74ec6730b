package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/metrics"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/repository"
)

const DefaultSweepInterval = time.Minute

// Sweeper 定期将到期的挂单迁移为 EXPIRED
type Sweeper struct {
	listings *repository.ListingRepository
	interval time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

// NewSweeper 创建过期扫描器
func NewSweeper(listings *repository.ListingRepository, interval time.Duration, logger *logrus.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{listings: listings, interval: interval, logger: logger, now: time.Now}
}

// SweepOnce 扫描一次
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.listings.ExpireBefore(ctx, s.now().Unix())
	if n > 0 {
		metrics.ListingsExpired.Add(float64(n))
	}
	return n, err
}

// Run 按间隔扫描直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Infof("挂单过期扫描已启动，间隔 %v", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.WithError(err).Error("挂单过期扫描失败")
			}
		case <-ctx.Done():
			s.logger.Info("挂单过期扫描已停止")
			return nil
		}
	}
}
