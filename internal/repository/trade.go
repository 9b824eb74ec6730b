package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// TradeRepository 成交仓储，记录一经写入不再修改
type TradeRepository struct {
	store  storage.Store
	logger *logrus.Logger
}

// NewTradeRepository 创建成交仓储
func NewTradeRepository(store storage.Store, logger *logrus.Logger) *TradeRepository {
	return &TradeRepository{store: store, logger: logger}
}

// Create 写入成交，已存在时返回 created=false
func (r *TradeRepository) Create(ctx context.Context, t *models.Trade) (created bool, err error) {
	err = r.store.Insert(ctx, storage.TableTrades, t.ID, t)
	if errors.Is(err, storage.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get 按标识读取
func (r *TradeRepository) Get(ctx context.Context, id string) (*models.Trade, error) {
	var t models.Trade
	if err := r.store.Get(ctx, storage.TableTrades, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByCollection 合集成交，按区块降序
func (r *TradeRepository) ListByCollection(ctx context.Context, collection string, limit int) ([]*models.Trade, error) {
	trades, err := storage.ScanAll(ctx, r.store, storage.TableTrades, func(t *models.Trade) bool {
		return t.Collection == collection
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].BlockNumber != trades[j].BlockNumber {
			return trades[i].BlockNumber > trades[j].BlockNumber
		}
		return trades[i].LogIndex > trades[j].LogIndex
	})
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}
