package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/repository"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// transfer 统一的转移描述
type transfer struct {
	kind    models.TokenKind
	from    string
	to      string
	tokenID string
	amount  string
}

func (r *Registry) handleTransfer(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.TransferArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		return u.applyTransfer(ctx, transfer{
			kind:    models.TokenKindERC721,
			from:    args.From,
			to:      args.To,
			tokenID: args.TokenID,
			amount:  "1",
		})
	})
}

func (r *Registry) handleTransferSingle(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.TransferSingleArgs)
	if !ok {
		return wrongArgs(env)
	}
	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		return u.applyTransfer(ctx, transfer{
			kind:    models.TokenKindERC1155,
			from:    args.From,
			to:      args.To,
			tokenID: args.ID,
			amount:  args.Value,
		})
	})
}

// handleTransferBatch 批量转移拆分为 N 个 TransferSingle 子事件，
// 每个子事件使用合成日志索引并各自形成工作单元
func (r *Registry) handleTransferBatch(ctx context.Context, env *models.Envelope) error {
	args, ok := env.Args.(models.TransferBatchArgs)
	if !ok {
		return wrongArgs(env)
	}
	if len(args.IDs) != len(args.Values) {
		return ierrors.Malformed("TransferBatch ids 与 values 长度不一致")
	}

	return r.run(ctx, env, func(ctx context.Context, u *unit) error {
		for i := range args.IDs {
			child, err := batchChild(env.Event, args, i)
			if err != nil {
				return err
			}
			if err := r.handleTransferSingle(ctx, child); err != nil {
				return fmt.Errorf("批量转移第 %d 项: %w", i, err)
			}
		}
		return nil
	})
}

func batchChild(parent *models.DecodedEvent, args models.TransferBatchArgs, i int) (*models.Envelope, error) {
	logIndex, err := identity.SyntheticLogIndex(parent.LogIndex, i)
	if err != nil {
		return nil, ierrors.Fatal(err)
	}
	single := models.TransferSingleArgs{
		Operator: args.Operator,
		From:     args.From,
		To:       args.To,
		ID:       args.IDs[i],
		Value:    args.Values[i],
	}
	raw, err := json.Marshal(map[string]string{
		"operator": single.Operator,
		"from":     single.From,
		"to":       single.To,
		"id":       single.ID,
		"value":    single.Value,
	})
	if err != nil {
		return nil, ierrors.Fatal(err)
	}

	ev := *parent
	ev.EventName = models.EventTransferSingle
	ev.LogIndex = logIndex
	ev.Args = raw
	return &models.Envelope{Event: &ev, Args: single}, nil
}

// applyTransfer 铸造、销毁或转移
func (u *unit) applyTransfer(ctx context.Context, t transfer) error {
	mint := identity.IsZeroAddress(t.from)
	burn := identity.IsZeroAddress(t.to)
	if mint && burn {
		u.log.Warn("from 与 to 均为零地址，忽略")
		return nil
	}

	amount, ok := new(big.Int).SetString(t.amount, 10)
	if !ok {
		return ierrors.Malformed("转移数量无效: %s", t.amount)
	}

	// 账户
	if mint {
		if err := u.step(ctx, "recipient_minted", func(ctx context.Context) error {
			_, err := u.deps.Repos.Accounts.AddMinted(ctx, t.to, t.amount, u.ts)
			return err
		}); err != nil {
			return err
		}
	} else {
		if err := u.step(ctx, "sender_owned", func(ctx context.Context) error {
			_, err := u.deps.Repos.Accounts.AdjustOwned(ctx, t.from, new(big.Int).Neg(amount), u.ts)
			return err
		}); err != nil {
			return err
		}
	}
	if !burn {
		if err := u.step(ctx, "recipient_owned", func(ctx context.Context) error {
			_, err := u.deps.Repos.Accounts.AdjustOwned(ctx, t.to, amount, u.ts)
			return err
		}); err != nil {
			return err
		}
	}

	// 合集
	collection, err := u.collection(ctx, u.event.ContractAddress, t.kind)
	if err != nil {
		return err
	}

	// 代币
	owner := t.to
	if burn {
		owner = t.from
	}
	minter := ""
	if mint {
		minter = t.to
	}
	tok, _, err := u.deps.Repos.Tokens.GetOrCreate(ctx, repository.TokenMint{
		ChainID:    u.event.ChainID,
		Collection: collection.Address,
		TokenID:    t.tokenID,
		Kind:       t.kind,
		Minter:     minter,
		Block:      u.event.BlockNumber,
		TxHash:     u.event.TransactionHash,
		Timestamp:  u.ts,
	})
	if err != nil {
		return err
	}

	switch {
	case mint:
		if err := u.step(ctx, "token_supply", func(ctx context.Context) error {
			_, err := u.deps.Repos.Tokens.AddSupply(ctx, tok.ID, t.amount, owner, u.ts)
			return err
		}); err != nil {
			return err
		}
		return u.step(ctx, "collection_minted", func(ctx context.Context) error {
			_, err := u.deps.Repos.Collections.AddMinted(ctx, collection.ID, t.amount, u.ts)
			return err
		})
	case burn:
		if err := u.step(ctx, "token_burn", func(ctx context.Context) error {
			_, err := u.deps.Repos.Tokens.Burn(ctx, tok.ID, t.amount, u.ts)
			return err
		}); err != nil {
			return err
		}
		return u.step(ctx, "collection_burned", func(ctx context.Context) error {
			_, err := u.deps.Repos.Collections.AddBurned(ctx, collection.ID, t.amount, u.ts)
			return err
		})
	default:
		return u.step(ctx, "token_transfer", func(ctx context.Context) error {
			_, err := u.deps.Repos.Tokens.RecordTransfer(ctx, tok.ID, owner, u.ts)
			return err
		})
	}
}
