// Package handler 事件处理器：每种事件一个处理器，把事件日志与聚合仓储组合成单个工作单元
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/detector"
	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/eventlog"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/logging"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/repository"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// Handler 单个事件类型的处理器
type Handler interface {
	Handle(ctx context.Context, env *models.Envelope) error
}

// HandlerFunc 函数适配
type HandlerFunc func(ctx context.Context, env *models.Envelope) error

// Handle 实现 Handler
func (f HandlerFunc) Handle(ctx context.Context, env *models.Envelope) error {
	return f(ctx, env)
}

// KindResolver 代币标准解析，创建类事件探测，成交类事件只查缓存
type KindResolver interface {
	DetectWithCache(ctx context.Context, chainID uint64, address string) models.TokenKind
	GetCachedOrDefault(chainID uint64, address string, def models.TokenKind) models.TokenKind
}

var _ KindResolver = (*detector.Cache)(nil)

// Deps 处理器依赖
type Deps struct {
	Events *eventlog.Store
	Repos  *repository.Repositories
	Kinds  KindResolver
	Logger *logrus.Logger
}

// Registry eventName → 处理器
type Registry struct {
	handlers map[string]Handler
	deps     Deps
}

// NewRegistry 创建并注册全部处理器
func NewRegistry(deps Deps) *Registry {
	r := &Registry{handlers: make(map[string]Handler), deps: deps}
	r.Register(models.EventCollectionCreated, HandlerFunc(r.handleCollectionCreated))
	r.Register(models.EventTransfer, HandlerFunc(r.handleTransfer))
	r.Register(models.EventTransferSingle, HandlerFunc(r.handleTransferSingle))
	r.Register(models.EventTransferBatch, HandlerFunc(r.handleTransferBatch))
	r.Register(models.EventListingCreated, HandlerFunc(r.handleListingCreated))
	r.Register(models.EventListingCancelled, HandlerFunc(r.handleListingCancelled))
	r.Register(models.EventNFTPurchased, HandlerFunc(r.handleNFTPurchased))
	r.Register(models.EventOfferCreated, HandlerFunc(r.handleOfferCreated))
	r.Register(models.EventOfferAccepted, HandlerFunc(r.handleOfferAccepted))
	r.Register(models.EventOfferCancelled, HandlerFunc(r.handleOfferCancelled))
	r.Register(models.EventAuctionCreated, HandlerFunc(r.handleAuctionCreated))
	r.Register(models.EventBidPlaced, HandlerFunc(r.handleBidPlaced))
	r.Register(models.EventAuctionSettled, HandlerFunc(r.handleAuctionSettled))
	r.Register(models.EventAuctionCancelled, HandlerFunc(r.handleAuctionCancelled))
	return r
}

// Register 绑定处理器，同名覆盖
func (r *Registry) Register(eventName string, h Handler) {
	r.handlers[eventName] = h
}

// Lookup 查找处理器
func (r *Registry) Lookup(eventName string) (Handler, bool) {
	h, ok := r.handlers[eventName]
	return h, ok
}

// Names 已注册的事件名，按字母序
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch 按事件名分发
func (r *Registry) Dispatch(ctx context.Context, env *models.Envelope) error {
	h, ok := r.Lookup(env.Event.EventName)
	if !ok {
		return ierrors.NewIndexerError(ierrors.ErrorTypeUnknownEvent, ierrors.SeverityMedium,
			ierrors.ErrUnknownEvent.Code, "未注册的事件类型: "+env.Event.EventName)
	}
	return h.Handle(ctx, env)
}

// unit 单个事件的工作单元。replay 表示事件此前未完成，已完成的步骤会被跳过
type unit struct {
	deps   Deps
	event  *models.Event
	replay bool
	ts     int64
	log    *logrus.Entry
	start  time.Time
}

// begin 先写事件日志。返回 nil unit 表示事件已处理过。
// 是否处理过只看终止标记，事件行上的 processed 在失败标记写入失败时可能仍为 true
func (r *Registry) begin(ctx context.Context, env *models.Envelope) (*unit, error) {
	ev := env.Event
	log := logging.EventLogger(r.deps.Logger, ev)

	rec, err := r.deps.Events.RecordEvent(ctx, ev.EventName, ev.ContractAddress, ev.ContractName, ev.Args, ev.Provenance())
	replay := false
	switch {
	case errors.Is(err, eventlog.ErrAlreadyRecorded):
		done, err := r.deps.Events.Completed(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		if done {
			if !rec.Processed {
				if err := r.deps.Events.MarkProcessed(ctx, rec.ID); err != nil {
					return nil, err
				}
			}
			log.Debug("事件已处理，跳过")
			return nil, nil
		}
		replay = true
		log.WithFields(logrus.Fields{
			"previous_error": rec.Error,
			"processed":      rec.Processed,
		}).Info("重放未完成的事件")
	case err != nil:
		return nil, err
	default:
		log.Debug("开始处理事件")
	}

	return &unit{
		deps:   r.deps,
		event:  rec,
		replay: replay,
		ts:     int64(ev.BlockTimestamp),
		log:    log.WithField("event_id", rec.ID),
		start:  time.Now(),
	}, nil
}

// step 执行一个具名投影步骤，步骤写入与步骤日志在同一事务内提交
func (u *unit) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	applied, err := u.deps.Events.ApplyStep(ctx, u.event.ID, name, fn)
	if err != nil {
		return fmt.Errorf("步骤 %s: %w", name, err)
	}
	if !applied {
		u.log.WithField("step", name).Debug("步骤已完成，跳过")
	}
	return nil
}

// fatal 显式标记为不可重试的错误
func fatal(err error) bool {
	var tagged interface{ IsRetryable() bool }
	return errors.As(err, &tagged) && !tagged.IsRetryable()
}

// finish 失败时标记事件并向上传播；成功时写入终止标记，重放成功时恢复 processed
func (u *unit) finish(ctx context.Context, err error) error {
	if err != nil {
		mark := u.deps.Events.MarkFailed
		if fatal(err) {
			mark = u.deps.Events.MarkFatal
		}
		if markErr := mark(ctx, u.event.ID, err.Error()); markErr != nil {
			u.log.WithError(markErr).Error("标记事件失败状态失败")
		}
		u.log.WithError(err).Error("事件处理失败")
		return fmt.Errorf("处理事件 %s 失败: %w", u.event.ID, err)
	}
	if u.replay {
		if err := u.deps.Events.MarkProcessed(ctx, u.event.ID); err != nil {
			return err
		}
	}
	if err := u.deps.Events.MarkCompleted(ctx, u.event.ID); err != nil {
		return err
	}
	u.log.WithFields(logrus.Fields{
		"replay":   u.replay,
		"duration": time.Since(u.start).String(),
	}).Debug("事件处理完成")
	return nil
}

// run 记录事件后执行 body，统一失败处理
func (r *Registry) run(ctx context.Context, env *models.Envelope, body func(ctx context.Context, u *unit) error) error {
	u, err := r.begin(ctx, env)
	if err != nil || u == nil {
		return err
	}
	return u.finish(ctx, body(ctx, u))
}

func wrongArgs(env *models.Envelope) error {
	return ierrors.Malformed("事件 %s 的参数类型不匹配: %T", env.Event.EventName, env.Args)
}

// touch 更新非零地址账户的活跃时间
func (u *unit) touch(ctx context.Context, step, address string) error {
	if identity.IsZeroAddress(address) {
		return nil
	}
	return u.step(ctx, step, func(ctx context.Context) error {
		_, err := u.deps.Repos.Accounts.Touch(ctx, address, u.ts)
		return err
	})
}

// collection 确保合集存在，返回合集
func (u *unit) collection(ctx context.Context, address string, kind models.TokenKind) (*models.Collection, error) {
	c, err := u.deps.Repos.Collections.GetOrCreate(ctx, u.event.ChainID, address, kind, u.ts)
	if err != nil {
		return nil, err
	}
	if !c.Kind.Known() && kind.Known() {
		return u.deps.Repos.Collections.SetKind(ctx, c.ID, kind)
	}
	return c, nil
}

// notFound 记录缺失的关联聚合，不视为失败
func (u *unit) notFound(err error, what, id string) bool {
	if !errors.Is(err, storage.ErrNotFound) {
		return false
	}
	u.log.WithFields(logrus.Fields{"missing": what, "id": id}).Warn("关联记录不存在，跳过")
	return true
}
