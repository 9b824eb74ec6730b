package repository

import (
	"context"
	"errors"
	"math/big"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// Transition 状态迁移结果。Applied=false 表示挂单已处于终态，迁移被忽略
type Transition struct {
	Applied bool
	Listing *models.Listing
}

// ListingRepository 挂单仓储（出售、报价、拍卖）
type ListingRepository struct {
	store  storage.Store
	logger *logrus.Logger
}

// NewListingRepository 创建挂单仓储
func NewListingRepository(store storage.Store, logger *logrus.Logger) *ListingRepository {
	return &ListingRepository{store: store, logger: logger}
}

// Create 创建 ACTIVE 挂单，标识已存在时返回 created=false
func (r *ListingRepository) Create(ctx context.Context, l *models.Listing) (created bool, err error) {
	if l.Status == "" {
		l.Status = models.ListingStatusActive
	}
	if l.FilledAmount == "" {
		l.FilledAmount = "0"
	}
	if l.Amount == "" {
		l.Amount = "1"
	}
	err = r.store.Insert(ctx, storage.TableListings, l.ID, l)
	if errors.Is(err, storage.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get 按标识读取
func (r *ListingRepository) Get(ctx context.Context, id string) (*models.Listing, error) {
	var l models.Listing
	if err := r.store.Get(ctx, storage.TableListings, id, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// transition 仅对 ACTIVE 挂单执行 fn
func (r *ListingRepository) transition(ctx context.Context, id string, fn func(l *models.Listing) error) (Transition, error) {
	applied := false
	l, err := storage.Mutate(ctx, r.store, storage.TableListings, id, func(l *models.Listing) (bool, error) {
		if l.Status.Terminal() {
			return false, nil
		}
		if err := fn(l); err != nil {
			return false, err
		}
		applied = true
		return true, nil
	})
	if err != nil {
		return Transition{}, err
	}
	if !applied {
		r.logger.WithFields(logrus.Fields{"listing_id": id, "status": l.Status}).Debug("挂单已处于终态，忽略状态迁移")
	}
	return Transition{Applied: applied, Listing: l}, nil
}

// ApplyFill 部分或全部成交。成交比例达到 100 时迁移为 FILLED
func (r *ListingRepository) ApplyFill(ctx context.Context, id, amount, taker string, ts int64) (Transition, error) {
	return r.transition(ctx, id, func(l *models.Listing) error {
		filled, err := addDecimal(l.FilledAmount, amount)
		if err != nil {
			return err
		}
		total, err := parseDecimal(l.Amount)
		if err != nil {
			return err
		}
		f, _ := parseDecimal(filled)
		if f.Cmp(total) > 0 {
			f.Set(total)
		}
		l.FilledAmount = f.String()
		if taker != "" {
			l.Taker = taker
		}

		percent := 100
		if total.Sign() > 0 {
			p := new(big.Int).Mul(f, big.NewInt(100))
			p.Quo(p, total)
			percent = int(p.Int64())
		}
		if percent >= 100 {
			fill(l, ts)
			return nil
		}
		l.FillPercent = percent
		return nil
	})
}

func fill(l *models.Listing, ts int64) {
	l.Status = models.ListingStatusFilled
	l.FillPercent = 100
	l.FilledAmount = l.Amount
	l.FilledAt = ts
}

// MarkFilled ACTIVE → FILLED
func (r *ListingRepository) MarkFilled(ctx context.Context, id, taker string, ts int64) (Transition, error) {
	return r.transition(ctx, id, func(l *models.Listing) error {
		if taker != "" {
			l.Taker = taker
		}
		fill(l, ts)
		return nil
	})
}

// Cancel ACTIVE → CANCELLED
func (r *ListingRepository) Cancel(ctx context.Context, id string, ts int64) (Transition, error) {
	return r.transition(ctx, id, func(l *models.Listing) error {
		l.Status = models.ListingStatusCancelled
		l.CancelledAt = ts
		return nil
	})
}

// expired 拍卖结束后等待结算事件，不参与过期扫描
func expired(l *models.Listing, now int64) bool {
	return l.Status == models.ListingStatusActive &&
		l.Kind != models.ListingKindAuction &&
		l.ExpiresAt > 0 && l.ExpiresAt <= now
}

// ExpireBefore 将 0 < expiresAt <= now 的 ACTIVE 出售与报价迁移为 EXPIRED，返回数量
func (r *ListingRepository) ExpireBefore(ctx context.Context, now int64) (int, error) {
	candidates, err := storage.ScanAll(ctx, r.store, storage.TableListings, func(l *models.Listing) bool {
		return expired(l, now)
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, c := range candidates {
		res, err := r.transition(ctx, c.ID, func(l *models.Listing) error {
			if !expired(l, now) {
				return errSkip
			}
			l.Status = models.ListingStatusExpired
			l.ExpiredAt = now
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return count, err
		}
		if res.Applied {
			count++
		}
	}
	if count > 0 {
		r.logger.WithField("count", count).Info("过期挂单已处理")
	}
	return count, nil
}

var errSkip = errors.New("skip")

// ListActive ACTIVE 挂单，按创建区块降序
func (r *ListingRepository) ListActive(ctx context.Context, limit int) ([]*models.Listing, error) {
	listings, err := storage.ScanAll(ctx, r.store, storage.TableListings, func(l *models.Listing) bool {
		return l.Status == models.ListingStatusActive
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(listings, func(i, j int) bool {
		return listings[i].BlockNumber > listings[j].BlockNumber
	})
	if limit > 0 && len(listings) > limit {
		listings = listings[:limit]
	}
	return listings, nil
}
