package handler

import (
	"context"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/repository"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// settlement 成交类事件（购买、接受报价、拍卖结算）的共同部分。
// maker 为挂单方，taker 为成交方，市场手续费记在卖方名下
type settlement struct {
	tradeKind        models.TradeKind
	listingID        string
	maker            string
	taker            string
	seller           string
	collection       string
	tokenID          string
	tokenKind        models.TokenKind
	amount           string
	price            string
	paymentToken     string
	marketplaceFee   string
	royaltyAmount    string
	royaltyRecipient string
	// partial 为 true 时按数量部分成交，否则直接迁移为 FILLED
	partial bool
}

// settleAccounts 账户统计
func (u *unit) settleAccounts(ctx context.Context, s settlement) error {
	makerFee, takerFee := "0", "0"
	if s.seller == s.maker {
		makerFee = s.marketplaceFee
	} else {
		takerFee = s.marketplaceFee
	}

	if err := u.step(ctx, "maker_trade", func(ctx context.Context) error {
		_, err := u.deps.Repos.Accounts.RecordTrade(ctx, s.maker, repository.RoleMaker, s.price, makerFee, u.ts)
		return err
	}); err != nil {
		return err
	}
	if err := u.step(ctx, "taker_trade", func(ctx context.Context) error {
		_, err := u.deps.Repos.Accounts.RecordTrade(ctx, s.taker, repository.RoleTaker, s.price, takerFee, u.ts)
		return err
	}); err != nil {
		return err
	}
	if identity.IsZeroAddress(s.royaltyRecipient) || s.royaltyAmount == "" || s.royaltyAmount == "0" {
		return nil
	}
	return u.step(ctx, "royalty_earned", func(ctx context.Context) error {
		_, err := u.deps.Repos.Accounts.AddFeesEarned(ctx, s.royaltyRecipient, s.royaltyAmount, u.ts)
		return err
	})
}

// settleAggregates 挂单迁移、成交记录、合集与代币统计
func (u *unit) settleAggregates(ctx context.Context, s settlement) error {
	if err := u.step(ctx, "listing_fill", func(ctx context.Context) error {
		var (
			res repository.Transition
			err error
		)
		if s.partial {
			res, err = u.deps.Repos.Listings.ApplyFill(ctx, s.listingID, s.amount, s.taker, u.ts)
		} else {
			res, err = u.deps.Repos.Listings.MarkFilled(ctx, s.listingID, s.taker, u.ts)
		}
		if u.notFound(err, "listing", s.listingID) {
			return nil
		}
		if err != nil {
			return err
		}
		if !res.Applied {
			u.log.WithField("status", res.Listing.Status).Info("挂单已是终态，成交不改变状态")
		}
		return nil
	}); err != nil {
		return err
	}

	collection, err := u.collection(ctx, s.collection, s.tokenKind)
	if err != nil {
		return err
	}

	tradeID, err := identity.TradeID(u.event.TransactionHash, u.event.LogIndex)
	if err != nil {
		return err
	}
	if err := u.step(ctx, "trade", func(ctx context.Context) error {
		_, err := u.deps.Repos.Trades.Create(ctx, &models.Trade{
			ID:               tradeID,
			Kind:             s.tradeKind,
			ChainID:          u.event.ChainID,
			Maker:            s.maker,
			Taker:            s.taker,
			Collection:       collection.Address,
			TokenID:          s.tokenID,
			TokenKind:        s.tokenKind,
			Amount:           s.amount,
			Price:            s.price,
			PaymentToken:     s.paymentToken,
			MarketplaceFee:   s.marketplaceFee,
			RoyaltyAmount:    s.royaltyAmount,
			RoyaltyRecipient: s.royaltyRecipient,
			ListingID:        s.listingID,
			BlockNumber:      u.event.BlockNumber,
			TransactionHash:  u.event.TransactionHash,
			TransactionIndex: u.event.TransactionIndex,
			LogIndex:         u.event.LogIndex,
			Timestamp:        u.ts,
		})
		return err
	}); err != nil {
		return err
	}

	if err := u.step(ctx, "collection_trade", func(ctx context.Context) error {
		_, err := u.deps.Repos.Collections.RecordTrade(ctx, collection.ID, s.price, u.ts)
		return err
	}); err != nil {
		return err
	}

	return u.step(ctx, "token_sale", func(ctx context.Context) error {
		tok, err := u.deps.Repos.Tokens.GetByTokenID(ctx, u.event.ChainID, collection.Address, s.tokenID)
		if u.notFound(err, "token", s.tokenID) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = u.deps.Repos.Tokens.RecordSale(ctx, tok.ID, s.price, s.paymentToken, u.ts)
		return err
	})
}
