package repository

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// TokenMint 铸造来源信息
type TokenMint struct {
	ChainID    uint64
	Collection string
	TokenID    string
	Kind       models.TokenKind
	Minter     string
	Block      uint64
	TxHash     string
	Timestamp  int64
}

// TokenRepository 代币仓储
type TokenRepository struct {
	store  storage.Store
	logger *logrus.Logger
}

// NewTokenRepository 创建代币仓储
func NewTokenRepository(store storage.Store, logger *logrus.Logger) *TokenRepository {
	return &TokenRepository{store: store, logger: logger}
}

// GetOrCreate 首次观察到时创建代币，供应量为 0。created 表示本次是否新建
func (r *TokenRepository) GetOrCreate(ctx context.Context, mint TokenMint) (tok *models.Token, created bool, err error) {
	collection, err := identity.NormalizeAddress(mint.Collection)
	if err != nil {
		return nil, false, err
	}
	id, err := identity.TokenID(mint.ChainID, collection, mint.TokenID)
	if err != nil {
		return nil, false, err
	}
	kind := mint.Kind
	if kind == "" {
		kind = models.TokenKindUnknown
	}
	tok = &models.Token{
		ID:             id,
		ChainID:        mint.ChainID,
		Collection:     collection,
		TokenID:        mint.TokenID,
		Kind:           kind,
		Owner:          mint.Minter,
		Minter:         mint.Minter,
		Supply:         "0",
		LastTransferAt: mint.Timestamp,
		MintBlock:      mint.Block,
		MintTx:         mint.TxHash,
		MintedAt:       mint.Timestamp,
	}
	err = r.store.Insert(ctx, storage.TableTokens, id, tok)
	if err == nil {
		return tok, true, nil
	}
	if !errors.Is(err, storage.ErrDuplicate) {
		return nil, false, err
	}
	tok, err = r.Get(ctx, id)
	return tok, false, err
}

// Get 按标识读取
func (r *TokenRepository) Get(ctx context.Context, id string) (*models.Token, error) {
	var t models.Token
	if err := r.store.Get(ctx, storage.TableTokens, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByTokenID 按链、合约地址与 tokenId 读取
func (r *TokenRepository) GetByTokenID(ctx context.Context, chainID uint64, collection, tokenID string) (*models.Token, error) {
	id, err := identity.TokenID(chainID, collection, tokenID)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *TokenRepository) mutate(ctx context.Context, id string, fn func(t *models.Token) (bool, error)) (*models.Token, error) {
	return storage.Mutate(ctx, r.store, storage.TableTokens, id, fn)
}

// AddSupply 铸造增加供应量并设置持有人
func (r *TokenRepository) AddSupply(ctx context.Context, id, amount, owner string, ts int64) (*models.Token, error) {
	return r.mutate(ctx, id, func(t *models.Token) (bool, error) {
		supply, err := addDecimal(t.Supply, amount)
		if err != nil {
			return false, err
		}
		t.Supply = supply
		t.Owner = owner
		if ts > t.LastTransferAt {
			t.LastTransferAt = ts
		}
		return true, nil
	})
}

// RecordTransfer 转移：更新持有人与最近转移时间
func (r *TokenRepository) RecordTransfer(ctx context.Context, id, owner string, ts int64) (*models.Token, error) {
	return r.mutate(ctx, id, func(t *models.Token) (bool, error) {
		t.Owner = owner
		if ts > t.LastTransferAt {
			t.LastTransferAt = ts
		}
		return true, nil
	})
}

// Burn 销毁：供应量减少且不小于 0。ERC-721 或供应量归零时 IsBurned 置为 true，之后不再恢复
func (r *TokenRepository) Burn(ctx context.Context, id, amount string, ts int64) (*models.Token, error) {
	return r.mutate(ctx, id, func(t *models.Token) (bool, error) {
		supply, err := subDecimalFloor(t.Supply, amount)
		if err != nil {
			return false, err
		}
		t.Supply = supply
		if t.Kind != models.TokenKindERC1155 || isZeroDecimal(supply) {
			t.IsBurned = true
			t.Owner = identity.ZeroAddress
		}
		if ts > t.LastTransferAt {
			t.LastTransferAt = ts
		}
		return true, nil
	})
}

// RecordSale 成交次数加一并记录最近成交
func (r *TokenRepository) RecordSale(ctx context.Context, id, price, paymentToken string, ts int64) (*models.Token, error) {
	return r.mutate(ctx, id, func(t *models.Token) (bool, error) {
		t.TradeCount++
		if ts >= t.LastSaleAt {
			t.LastSalePrice = price
			t.LastSalePaymentToken = paymentToken
			t.LastSaleAt = ts
		}
		return true, nil
	})
}
