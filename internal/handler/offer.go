package handler

import (
	"context"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

func (r *Registry) handleOfferCreated(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.OfferCreatedArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		if err := u.touch(ctx, "offerer_active", args.Offerer); err != nil {
			return err
		}

		kind := u.deps.Kinds.DetectWithCache(ctx, u.event.ChainID, args.NFTContract)
		collection, err := u.collection(ctx, args.NFTContract, kind)
		if err != nil {
			return err
		}

		id, err := identity.ListingID(args.OfferID)
		if err != nil {
			return err
		}
		return u.step(ctx, "offer", func(ctx context.Context) error {
			_, err := u.deps.Repos.Listings.Create(ctx, &models.Listing{
				ID:              id,
				Kind:            models.ListingKindOffer,
				ChainID:         u.event.ChainID,
				Maker:           args.Offerer,
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
			return err
		})
	})
}

// handleOfferAccepted 卖方接受报价：报价方为 maker，卖方为 taker
func (r *Registry) handleOfferAccepted(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.OfferAcceptedArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		id, err := identity.ListingID(args.OfferID)
		if err != nil {
			return err
		}
		s := settlement{
			tradeKind:        models.TradeKindOfferAccepted,
			listingID:        id,
			maker:            args.Offerer,
			taker:            args.Seller,
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

func (r *Registry) handleOfferCancelled(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.OfferCancelledArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		if err := u.touch(ctx, "offerer_active", args.Offerer); err != nil {
			return err
		}
		id, err := identity.ListingID(args.OfferID)
		if err != nil {
			return err
		}
		return u.cancel(ctx, id)
	})
}
