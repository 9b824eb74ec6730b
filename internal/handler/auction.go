package handler

import (
	"context"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// handleAuctionCreated 拍卖以编号的 32 字节编码为挂单标识，结束时间写入 ExpiresAt
func (r *Registry) handleAuctionCreated(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.AuctionCreatedArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		if err := u.touch(ctx, "seller_active", args.Seller); err != nil {
			return err
		}

		kind := u.deps.Kinds.DetectWithCache(ctx, u.event.ChainID, args.NFTContract)
		collection, err := u.collection(ctx, args.NFTContract, kind)
		if err != nil {
			return err
		}

		id, err := identity.AuctionListingID(args.AuctionID)
		if err != nil {
			return err
		}
		return u.step(ctx, "auction", func(ctx context.Context) error {
			_, err := u.deps.Repos.Listings.Create(ctx, &models.Listing{
				ID:              id,
				Kind:            models.ListingKindAuction,
				ChainID:         u.event.ChainID,
				Maker:           args.Seller,
				Collection:      collection.Address,
				TokenID:         args.TokenID,
				TokenKind:       kind,
				Amount:          args.Amount,
				Price:           args.StartPrice,
				ReservePrice:    args.ReservePrice,
				PaymentToken:    args.PaymentToken,
				CreatedAt:       u.ts,
				ExpiresAt:       args.EndTime,
				BlockNumber:     u.event.BlockNumber,
				TransactionHash: u.event.TransactionHash,
				LogIndex:        u.event.LogIndex,
			})
			return err
		})
	})
}

// handleBidPlaced 出价只记录事件并更新出价人活跃时间，出价历史从事件日志查询
func (r *Registry) handleBidPlaced(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.BidPlacedArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		return u.touch(ctx, "bidder_active", args.Bidder)
	})
}

// handleAuctionSettled 结算：赢家为零地址视为流拍并取消，否则成交
func (r *Registry) handleAuctionSettled(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.AuctionSettledArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		id, err := identity.AuctionListingID(args.AuctionID)
		if err != nil {
			return err
		}

		if identity.IsZeroAddress(args.Winner) {
			if err := u.touch(ctx, "seller_active", args.Seller); err != nil {
				return err
			}
			return u.cancel(ctx, id)
		}

		s := settlement{
			tradeKind:        models.TradeKindAuctionSettlement,
			listingID:        id,
			maker:            args.Seller,
			taker:            args.Winner,
			seller:           args.Seller,
			price:            args.FinalPrice,
			marketplaceFee:   args.MarketplaceFee,
			royaltyAmount:    args.RoyaltyAmount,
			royaltyRecipient: args.RoyaltyRecipient,
		}
		if err := u.settleAccounts(ctx, s); err != nil {
			return err
		}

		auction, err := u.deps.Repos.Listings.Get(ctx, id)
		if u.notFound(err, "auction", id) {
			return nil
		}
		if err != nil {
			return err
		}
		s.collection = auction.Collection
		s.tokenID = auction.TokenID
		s.amount = auction.Amount
		s.paymentToken = auction.PaymentToken
		s.tokenKind = auction.TokenKind
		if !s.tokenKind.Known() {
			s.tokenKind = u.deps.Kinds.GetCachedOrDefault(u.event.ChainID, auction.Collection, models.TokenKindERC721)
		}
		return u.settleAggregates(ctx, s)
	})
}

func (r *Registry) handleAuctionCancelled(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.AuctionCancelledArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		if err := u.touch(ctx, "seller_active", args.Seller); err != nil {
			return err
		}
		id, err := identity.AuctionListingID(args.AuctionID)
		if err != nil {
			return err
		}
		return u.cancel(ctx, id)
	})
}
