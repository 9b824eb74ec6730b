// Package pipeline 事件入口：验证、一次性解码、按链串行、重试包装与观测
package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/decoder"
	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/eventlog"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/handler"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/metrics"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/retry"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/telemetry"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/validation"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// Dispatcher 事件分发
type Dispatcher interface {
	Dispatch(ctx context.Context, env *models.Envelope) error
}

var _ Dispatcher = (*handler.Registry)(nil)

// ProgressRecorder 成功处理后记录链进度
type ProgressRecorder interface {
	Record(ctx context.Context, chainID, block uint64) error
}

// Processor 处理调度器投递的事件。同一条链上的事件串行执行，不同链并发
type Processor struct {
	dispatcher Dispatcher
	events     *eventlog.Store
	validator  *validation.Validator
	retrier    *retry.Retrier
	errors     *ierrors.ErrorHandler
	logger     *logrus.Logger
	tracer     trace.Tracer
	progress   ProgressRecorder

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

// NewProcessor 创建处理器
func NewProcessor(dispatcher Dispatcher, events *eventlog.Store, validator *validation.Validator, retrier *retry.Retrier, logger *logrus.Logger) *Processor {
	return &Processor{
		dispatcher: dispatcher,
		events:     events,
		validator:  validator,
		retrier:    retrier,
		errors:     ierrors.NewErrorHandler(logger),
		logger:     logger,
		tracer:     telemetry.Tracer(),
		locks:      make(map[uint64]*sync.Mutex),
	}
}

// ErrorHandler 错误统计
func (p *Processor) ErrorHandler() *ierrors.ErrorHandler {
	return p.errors
}

// SetProgress 设置进度记录器
func (p *Processor) SetProgress(rec ProgressRecorder) {
	p.progress = rec
}

// Retrier 重试器
func (p *Processor) Retrier() *retry.Retrier {
	return p.retrier
}

// chainLock 获取链级互斥锁
func (p *Processor) chainLock(chainID uint64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[chainID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[chainID] = l
	}
	return l
}

// Process 处理单个事件。验证和解码失败不重试也不进入死信
func (p *Processor) Process(ctx context.Context, ev *models.DecodedEvent) error {
	if ev == nil {
		return ierrors.Malformed("事件为空")
	}
	chain := strconv.FormatUint(ev.ChainID, 10)
	metrics.EventsReceived.WithLabelValues(chain, ev.EventName).Inc()

	ctx, span := p.tracer.Start(ctx, "indexer.process", trace.WithAttributes(telemetry.EventAttributes(ev)...))
	defer span.End()

	if result := p.validator.ValidateEvent(ev); !result.Valid {
		err := result.Err()
		metrics.EventsRejected.WithLabelValues(chain, ev.EventName).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation")
		return p.errors.HandleError(err)
	}

	env, err := decoder.Decode(ev)
	if err != nil {
		metrics.EventsRejected.WithLabelValues(chain, ev.EventName).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		return p.errors.HandleError(err)
	}

	lock := p.chainLock(ev.ChainID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	res := p.retrier.WithRetry(ctx, ev, func(ctx context.Context) error {
		return p.dispatcher.Dispatch(ctx, env)
	})
	metrics.ProcessLatency.WithLabelValues(chain, ev.EventName).Observe(time.Since(start).Seconds())
	metrics.RetryAttempts.WithLabelValues(chain, ev.EventName).Observe(float64(res.Attempts))

	if res.Success {
		metrics.EventsProcessed.WithLabelValues(chain, ev.EventName).Inc()
		if p.progress != nil {
			if err := p.progress.Record(ctx, ev.ChainID, ev.BlockNumber); err != nil {
				p.logger.WithError(err).WithField("chain_id", ev.ChainID).Warn("记录处理进度失败")
			}
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}

	metrics.EventsFailed.WithLabelValues(chain, ev.EventName, res.Class.String()).Inc()
	if res.DeadLettered {
		metrics.DeadLettersTotal.WithLabelValues(chain, ev.EventName).Inc()
		metrics.DeadLettersPending.Set(float64(p.retrier.Queue().Len()))
	}
	span.RecordError(res.Err)
	span.SetStatus(codes.Error, res.Class.String())
	return p.errors.HandleError(res.Err)
}

// ProcessAll 按顺序处理一批事件，返回失败数
func (p *Processor) ProcessAll(ctx context.Context, events []*models.DecodedEvent) int {
	failed := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return failed + 1
		}
		if err := p.Process(ctx, ev); err != nil {
			failed++
		}
	}
	return failed
}

// ReplayDeadLetters 重放死信队列，成功的条目被移除
func (p *Processor) ReplayDeadLetters(ctx context.Context) retry.ReplayReport {
	queue := p.retrier.Queue()
	if queue == nil {
		return retry.ReplayReport{Errors: map[string]string{}}
	}
	report := queue.RetryFailedEvents(ctx, func(ctx context.Context, dl *retry.DeadLetter) error {
		return p.Process(ctx, dl.Event)
	})
	metrics.DeadLetterReplays.WithLabelValues("succeeded").Add(float64(report.Succeeded))
	metrics.DeadLetterReplays.WithLabelValues("failed").Add(float64(report.Failed))
	metrics.DeadLettersPending.Set(float64(queue.Len()))
	return report
}

// ReplayUnprocessed 从事件日志重放未完成的事件（包括进程崩溃前写入但未投影的事件）。
// 标记为致命失败的事件默认跳过，只计入 Skipped，includeFatal 为 true 时一并重放
func (p *Processor) ReplayUnprocessed(ctx context.Context, limit int, includeFatal bool) (retry.ReplayReport, error) {
	report := retry.ReplayReport{Errors: make(map[string]string)}
	pending, err := p.events.ListUnprocessed(ctx, limit)
	if err != nil {
		return report, err
	}
	for _, rec := range pending {
		if rec.Fatal && !includeFatal {
			report.Skipped++
			p.logger.WithFields(logrus.Fields{
				"event_id": rec.ID,
				"error":    rec.Error,
			}).Warn("跳过致命失败的事件")
			continue
		}
		if err := p.Process(ctx, FromRecord(rec)); err != nil {
			report.Failed++
			report.Errors[rec.ID] = err.Error()
			continue
		}
		report.Succeeded++
	}
	p.logger.WithFields(logrus.Fields{
		"pending":   len(pending),
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	}).Info("未处理事件重放完成")
	return report, nil
}

// FromRecord 由事件日志记录还原入站事件
func FromRecord(rec *models.Event) *models.DecodedEvent {
	return &models.DecodedEvent{
		EventName:        rec.EventName,
		ContractAddress:  rec.ContractAddress,
		ContractName:     rec.ContractName,
		ChainID:          rec.ChainID,
		BlockNumber:      rec.BlockNumber,
		BlockTimestamp:   rec.BlockTimestamp,
		TransactionHash:  rec.TransactionHash,
		TransactionIndex: rec.TransactionIndex,
		LogIndex:         rec.LogIndex,
		From:             rec.From,
		To:               rec.To,
		Args:             rec.Args,
	}
}
