package repository

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// CollectionCreation 合集创建事件携带的元数据
type CollectionCreation struct {
	Kind             models.TokenKind
	Name             string
	Symbol           string
	Creator          string
	RoyaltyBps       uint64
	RoyaltyRecipient string
	MaxSupply        string
	Block            uint64
	TxHash           string
	Timestamp        int64
}

// CollectionRepository 合集仓储
type CollectionRepository struct {
	store  storage.Store
	logger *logrus.Logger
}

// NewCollectionRepository 创建合集仓储
func NewCollectionRepository(store storage.Store, logger *logrus.Logger) *CollectionRepository {
	return &CollectionRepository{store: store, logger: logger}
}

// GetOrCreate 按 (chainId, address) 获取或创建合集
func (r *CollectionRepository) GetOrCreate(ctx context.Context, chainID uint64, address string, kind models.TokenKind, ts int64) (*models.Collection, error) {
	addr, err := identity.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	id, err := identity.CollectionID(chainID, addr)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = models.TokenKindUnknown
	}
	c := &models.Collection{
		ID:           id,
		ChainID:      chainID,
		Address:      addr,
		Kind:         kind,
		MaxSupply:    "0",
		TotalSupply:  "0",
		MintedSupply: "0",
		BurnedSupply: "0",
		TotalVolume:  "0",
		IsActive:     true,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	err = r.store.Insert(ctx, storage.TableCollections, id, c)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, storage.ErrDuplicate) {
		return nil, err
	}
	return r.Get(ctx, id)
}

// Get 按标识读取
func (r *CollectionRepository) Get(ctx context.Context, id string) (*models.Collection, error) {
	var c models.Collection
	if err := r.store.Get(ctx, storage.TableCollections, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByAddress 按链与合约地址读取
func (r *CollectionRepository) GetByAddress(ctx context.Context, chainID uint64, address string) (*models.Collection, error) {
	id, err := identity.CollectionID(chainID, address)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *CollectionRepository) mutate(ctx context.Context, id string, ts int64, fn func(c *models.Collection) (bool, error)) (*models.Collection, error) {
	return storage.Mutate(ctx, r.store, storage.TableCollections, id, func(c *models.Collection) (bool, error) {
		changed, err := fn(c)
		if err != nil || !changed {
			return false, err
		}
		if ts > c.UpdatedAt {
			c.UpdatedAt = ts
		}
		return true, nil
	})
}

// ApplyCreation 写入合集创建元数据
func (r *CollectionRepository) ApplyCreation(ctx context.Context, id string, meta CollectionCreation) (*models.Collection, error) {
	return r.mutate(ctx, id, meta.Timestamp, func(c *models.Collection) (bool, error) {
		if meta.Kind.Known() {
			c.Kind = meta.Kind
		}
		c.Name = meta.Name
		c.Symbol = meta.Symbol
		c.Creator = meta.Creator
		if c.Owner == "" {
			c.Owner = meta.Creator
		}
		c.RoyaltyBps = meta.RoyaltyBps
		c.RoyaltyRecipient = meta.RoyaltyRecipient
		if meta.MaxSupply != "" {
			c.MaxSupply = meta.MaxSupply
		}
		c.CreatedAtBlock = meta.Block
		c.CreatedAtTx = meta.TxHash
		c.CreatedAt = meta.Timestamp
		c.IsActive = true
		return true, nil
	})
}

// SetKind 仅在当前类型未知时写入探测结果
func (r *CollectionRepository) SetKind(ctx context.Context, id string, kind models.TokenKind) (*models.Collection, error) {
	return r.mutate(ctx, id, 0, func(c *models.Collection) (bool, error) {
		if !kind.Known() || c.Kind.Known() {
			return false, nil
		}
		c.Kind = kind
		return true, nil
	})
}

// AddMinted 铸造：minted 与 total 同时增加
func (r *CollectionRepository) AddMinted(ctx context.Context, id, amount string, ts int64) (*models.Collection, error) {
	return r.mutate(ctx, id, ts, func(c *models.Collection) (bool, error) {
		minted, err := addDecimal(c.MintedSupply, amount)
		if err != nil {
			return false, err
		}
		total, err := addDecimal(c.TotalSupply, amount)
		if err != nil {
			return false, err
		}
		c.MintedSupply, c.TotalSupply = minted, total
		return true, nil
	})
}

// AddBurned 销毁：burned 增加，total 减少且不小于 0
func (r *CollectionRepository) AddBurned(ctx context.Context, id, amount string, ts int64) (*models.Collection, error) {
	return r.mutate(ctx, id, ts, func(c *models.Collection) (bool, error) {
		burned, err := addDecimal(c.BurnedSupply, amount)
		if err != nil {
			return false, err
		}
		total, err := subDecimalFloor(c.TotalSupply, amount)
		if err != nil {
			return false, err
		}
		c.BurnedSupply, c.TotalSupply = burned, total
		return true, nil
	})
}

// RecordTrade 成交次数加一并累计成交额
func (r *CollectionRepository) RecordTrade(ctx context.Context, id, volume string, ts int64) (*models.Collection, error) {
	return r.mutate(ctx, id, ts, func(c *models.Collection) (bool, error) {
		v, err := addDecimal(c.TotalVolume, volume)
		if err != nil {
			return false, err
		}
		c.TradeCount++
		c.TotalVolume = v
		return true, nil
	})
}

// UpdateFloorPrice 地板价只在尚无地板价或候选价格严格更低时更新。
// 返回是否发生了更新
func (r *CollectionRepository) UpdateFloorPrice(ctx context.Context, id, price string) (bool, error) {
	updated := false
	_, err := r.mutate(ctx, id, 0, func(c *models.Collection) (bool, error) {
		if _, err := parseDecimal(price); err != nil {
			return false, err
		}
		if c.FloorPrice != "" {
			cmp, err := cmpDecimal(price, c.FloorPrice)
			if err != nil {
				return false, err
			}
			if cmp >= 0 {
				return false, nil
			}
		}
		c.FloorPrice = price
		updated = true
		return true, nil
	})
	return updated, err
}

// List 全部合集
func (r *CollectionRepository) List(ctx context.Context) ([]*models.Collection, error) {
	return storage.ScanAll[models.Collection](ctx, r.store, storage.TableCollections, nil)
}
