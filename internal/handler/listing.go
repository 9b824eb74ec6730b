package handler

import (
	"context"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// handleListingCreated 出售挂单：探测标准，创建 ACTIVE 挂单并更新地板价
func (r *Registry) handleListingCreated(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.ListingCreatedArgs)
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

		id, err := identity.ListingID(args.ListingID)
		if err != nil {
			return err
		}
		if err := u.step(ctx, "listing", func(ctx context.Context) error {
			created, err := u.deps.Repos.Listings.Create(ctx, &models.Listing{
				ID:              id,
				Kind:            models.ListingKindListing,
				ChainID:         u.event.ChainID,
				Maker:           args.Seller,
				Collection:      collection.Address,
				TokenID:         args.TokenID,
				TokenKind:       kind,
				Amount:          args.Amount,
				Price:           args.Price,
				PaymentToken:    args.PaymentToken,
				CreatedAt:       u.ts,
				ExpiresAt:       args.ExpiresAt,
				BlockNumber:     u.event.BlockNumber,
				TransactionHash: u.event.TransactionHash,
				LogIndex:        u.event.LogIndex,
			})
			if err == nil && !created {
				u.log.WithField("listing_id", id).Warn("挂单已存在")
			}
			return err
		}); err != nil {
			return err
		}

		return u.step(ctx, "floor_price", func(ctx context.Context) error {
			updated, err := u.deps.Repos.Collections.UpdateFloorPrice(ctx, collection.ID, args.Price)
			if updated {
				u.log.WithField("floor_price", args.Price).Debug("地板价已更新")
			}
			return err
		})
	})
}

// handleListingCancelled ACTIVE → CANCELLED
func (r *Registry) handleListingCancelled(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.ListingCancelledArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		if err := u.touch(ctx, "seller_active", args.Seller); err != nil {
			return err
		}
		id, err := identity.ListingID(args.ListingID)
		if err != nil {
			return err
		}
		return u.cancel(ctx, id)
	})
}

// cancel 取消挂单，挂单不存在或已是终态时不报错
func (u *unit) cancel(ctx context.Context, id string) error {
	return u.step(ctx, "listing_cancel", func(ctx context.Context) error {
		res, err := u.deps.Repos.Listings.Cancel(ctx, id, u.ts)
		if u.notFound(err, "listing", id) {
			return nil
		}
		if err != nil {
			return err
		}
		if !res.Applied {
			u.log.WithField("status", res.Listing.Status).Info("挂单已是终态，取消被忽略")
		}
		return nil
	})
}

// handleNFTPurchased 购买：挂单成交并写入 SALE 成交记录。
// 标准只查缓存，未命中按 ERC721 处理
func (r *Registry) handleNFTPurchased(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.NFTPurchasedArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		id, err := identity.ListingID(args.ListingID)
		if err != nil {
			return err
		}
		s := settlement{
			tradeKind:        models.TradeKindSale,
			listingID:        id,
			maker:            args.Seller,
			taker:            args.Buyer,
			seller:           args.Seller,
			collection:       args.NFTContract,
			tokenID:          args.TokenID,
			amount:           args.Amount,
			price:            args.Price,
			paymentToken:     args.PaymentToken,
			marketplaceFee:   args.MarketplaceFee,
			royaltyAmount:    args.RoyaltyAmount,
			royaltyRecipient: args.RoyaltyRecipient,
			partial:          true,
		}
		if err := u.settleAccounts(ctx, s); err != nil {
			return err
		}
		s.tokenKind = u.deps.Kinds.GetCachedOrDefault(u.event.ChainID, args.NFTContract, models.TokenKindERC721)
		return u.settleAggregates(ctx, s)
	})
}
