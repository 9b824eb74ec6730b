package handler

import (
	"context"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/repository"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// handleCollectionCreated 合集工厂事件：写入合集元数据，创建者创建数加一。
// 参数未给出标准时通过链上探测确定
func (r *Registry) handleCollectionCreated(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.CollectionCreatedArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		if err := u.step(ctx, "creator_collections", func(ctx context.Context) error {
			_, err := u.deps.Repos.Accounts.IncrementCollectionsCreated(ctx, args.Creator, u.ts)
			return err
		}); err != nil {
			return err
		}

		kind := args.TokenType
		if !kind.Known() {
			kind = u.deps.Kinds.DetectWithCache(ctx, u.event.ChainID, args.Collection)
		}

		c, err := u.collection(ctx, args.Collection, kind)
		if err != nil {
			return err
		}
		return u.step(ctx, "collection_created", func(ctx context.Context) error {
			_, err := u.deps.Repos.Collections.ApplyCreation(ctx, c.ID, repository.CollectionCreation{
				Kind:             kind,
				Name:             args.Name,
				Symbol:           args.Symbol,
				Creator:          args.Creator,
				RoyaltyBps:       args.RoyaltyBps,
				RoyaltyRecipient: args.RoyaltyRecipient,
				MaxSupply:        args.MaxSupply,
				Block:            u.event.BlockNumber,
				TxHash:           u.event.TransactionHash,
				Timestamp:        u.ts,
			})
			return err
		})
	})
}
