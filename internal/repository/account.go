// Package repository 聚合仓储：按确定性标识读写 Account、Collection、Token、Listing、Trade。
// 每个增量操作都在存储引擎的原子更新内完成
package repository

import (
	"context"
	"errors"
	"math/big"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// TradeRole 成交中的角色
type TradeRole int

const (
	RoleMaker TradeRole = iota
	RoleTaker
)

// AccountRepository 账户仓储
type AccountRepository struct {
	store  storage.Store
	logger *logrus.Logger
}

// NewAccountRepository 创建账户仓储
func NewAccountRepository(store storage.Store, logger *logrus.Logger) *AccountRepository {
	return &AccountRepository{store: store, logger: logger}
}

func newAccount(addr string, ts int64) *models.Account {
	return &models.Account{
		Address:      addr,
		TotalVolume:  "0",
		NFTsMinted:   "0",
		NFTsOwned:    "0",
		FeesEarned:   "0",
		FeesPaid:     "0",
		FirstSeenAt:  ts,
		LastActiveAt: ts,
	}
}

// GetOrCreate 首次引用时创建账户，并发插入冲突时回退为读取
func (r *AccountRepository) GetOrCreate(ctx context.Context, address string, ts int64) (*models.Account, error) {
	addr, err := identity.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	acc := newAccount(addr, ts)
	err = r.store.Insert(ctx, storage.TableAccounts, addr, acc)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, storage.ErrDuplicate) {
		return nil, err
	}
	return r.Get(ctx, addr)
}

// Get 读取账户
func (r *AccountRepository) Get(ctx context.Context, address string) (*models.Account, error) {
	addr, err := identity.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	var acc models.Account
	if err := r.store.Get(ctx, storage.TableAccounts, addr, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// mutate 确保账户存在后原子修改，同时推进活跃时间
func (r *AccountRepository) mutate(ctx context.Context, address string, ts int64, fn func(acc *models.Account) error) (*models.Account, error) {
	acc, err := r.GetOrCreate(ctx, address, ts)
	if err != nil {
		return nil, err
	}
	return storage.Mutate(ctx, r.store, storage.TableAccounts, acc.Address, func(a *models.Account) (bool, error) {
		if err := fn(a); err != nil {
			return false, err
		}
		touch(a, ts)
		return true, nil
	})
}

func touch(a *models.Account, ts int64) {
	if ts > a.LastActiveAt {
		a.LastActiveAt = ts
	}
	if ts > 0 && (a.FirstSeenAt == 0 || ts < a.FirstSeenAt) {
		a.FirstSeenAt = ts
	}
}

// Touch 更新活跃时间
func (r *AccountRepository) Touch(ctx context.Context, address string, ts int64) (*models.Account, error) {
	return r.mutate(ctx, address, ts, func(*models.Account) error { return nil })
}

// RecordTrade 累计成交次数、按角色计数、成交额与支付的手续费
func (r *AccountRepository) RecordTrade(ctx context.Context, address string, role TradeRole, volume, feesPaid string, ts int64) (*models.Account, error) {
	return r.mutate(ctx, address, ts, func(a *models.Account) error {
		total, err := addDecimal(a.TotalVolume, volume)
		if err != nil {
			return err
		}
		fees, err := addDecimal(a.FeesPaid, feesPaid)
		if err != nil {
			return err
		}
		a.TotalTrades++
		if role == RoleMaker {
			a.MakerTrades++
		} else {
			a.TakerTrades++
		}
		a.TotalVolume = total
		a.FeesPaid = fees
		return nil
	})
}

// AddFeesEarned 累计收取的费用（版税等）
func (r *AccountRepository) AddFeesEarned(ctx context.Context, address, amount string, ts int64) (*models.Account, error) {
	return r.mutate(ctx, address, ts, func(a *models.Account) error {
		v, err := addDecimal(a.FeesEarned, amount)
		if err != nil {
			return err
		}
		a.FeesEarned = v
		return nil
	})
}

// AddMinted 铸造数量累加
func (r *AccountRepository) AddMinted(ctx context.Context, address, amount string, ts int64) (*models.Account, error) {
	return r.mutate(ctx, address, ts, func(a *models.Account) error {
		v, err := addDecimal(a.NFTsMinted, amount)
		if err != nil {
			return err
		}
		a.NFTsMinted = v
		return nil
	})
}

// AdjustOwned 持有数量增减，结果不小于 0
func (r *AccountRepository) AdjustOwned(ctx context.Context, address string, delta *big.Int, ts int64) (*models.Account, error) {
	return r.mutate(ctx, address, ts, func(a *models.Account) error {
		var (
			v   string
			err error
		)
		if delta.Sign() >= 0 {
			v, err = addDecimal(a.NFTsOwned, delta.String())
		} else {
			v, err = subDecimalFloor(a.NFTsOwned, new(big.Int).Neg(delta).String())
		}
		if err != nil {
			return err
		}
		a.NFTsOwned = v
		return nil
	})
}

// IncrementCollectionsCreated 创建合集数加一
func (r *AccountRepository) IncrementCollectionsCreated(ctx context.Context, address string, ts int64) (*models.Account, error) {
	return r.mutate(ctx, address, ts, func(a *models.Account) error {
		a.CollectionsCreated++
		return nil
	})
}

// List 全部账户
func (r *AccountRepository) List(ctx context.Context) ([]*models.Account, error) {
	return storage.ScanAll[models.Account](ctx, r.store, storage.TableAccounts, nil)
}
