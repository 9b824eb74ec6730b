package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// Environment 运行环境，决定未识别错误的默认分类
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Class 错误分类
type Class int

const (
	ClassNone Class = iota
	ClassRetryable
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	default:
		return "none"
	}
}

// RetryableError 携带显式重试标记的错误
type RetryableError interface {
	error
	IsRetryable() bool
}

// 瞬时故障特征
var transientSignatures = []string{
	"connection reset",
	"connection refused",
	"connection timeout",
	"timeout",
	"i/o timeout",
	"no such host",
	"dns",
	"temporary failure",
	"broken pipe",
	"database connection",
	"transaction timeout",
	"network is unreachable",
	"network unreachable",
	"service unavailable",
	"too many requests",
	"rate limit",
}

// Classify 错误分类：显式标记优先，其次是 context 错误与瞬时故障特征，
// 都不匹配时开发环境视为可重试，生产环境视为致命
func Classify(err error, env Environment) Class {
	if err == nil {
		return ClassNone
	}

	var tagged RetryableError
	if stderrors.As(err, &tagged) {
		if tagged.IsRetryable() {
			return ClassRetryable
		}
		return ClassFatal
	}

	if stderrors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return ClassRetryable
		}
	}

	if env == EnvProduction {
		return ClassFatal
	}
	return ClassRetryable
}

// Options 重试参数
type Options struct {
	MaxRetries        int           `mapstructure:"max_retries" json:"max_retries"`
	Delay             time.Duration `mapstructure:"delay" json:"delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultOptions 默认 3 次，1s 起步，倍数 2
func DefaultOptions() Options {
	return Options{MaxRetries: 3, Delay: time.Second, BackoffMultiplier: 2}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = d.BackoffMultiplier
	}
	return o
}

// delay 第 attempt 次失败后的等待时间：Delay × multiplier^(attempt-1)
func (o Options) delay(attempt int) time.Duration {
	return time.Duration(float64(o.Delay) * math.Pow(o.BackoffMultiplier, float64(attempt-1)))
}

// Result 一次带重试执行的结果
type Result struct {
	Success      bool
	Attempts     int
	Class        Class
	Err          error
	DeadLettered bool
}

// SleepFunc 等待函数，ctx 取消时提前返回
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrier 重试器，耗尽重试的事件写入死信队列
type Retrier struct {
	opts   Options
	env    Environment
	dlq    *DeadLetterQueue
	logger *logrus.Logger
	sleep  SleepFunc
}

// NewRetrier 创建重试器
func NewRetrier(opts Options, env Environment, dlq *DeadLetterQueue, logger *logrus.Logger) *Retrier {
	return &Retrier{
		opts:   opts.normalized(),
		env:    env,
		dlq:    dlq,
		logger: logger,
		sleep:  sleepContext,
	}
}

// SetSleep 替换等待函数
func (r *Retrier) SetSleep(fn SleepFunc) {
	if fn != nil {
		r.sleep = fn
	}
}

// Options 当前重试参数
func (r *Retrier) Options() Options {
	return r.opts
}

// Queue 死信队列
func (r *Retrier) Queue() *DeadLetterQueue {
	return r.dlq
}

// WithRetry 执行 op。致命错误立即返回且不等待；可重试错误按指数退避重试，
// 耗尽后写入死信队列。不会 panic，结果通过 Result 返回
func (r *Retrier) WithRetry(ctx context.Context, ev *models.DecodedEvent, op func(ctx context.Context) error) Result {
	fields := logrus.Fields{}
	if ev != nil {
		fields["event"] = ev.EventName
		fields["tx_hash"] = ev.TransactionHash
		fields["log_index"] = ev.LogIndex
		fields["block"] = ev.BlockNumber
	}
	log := r.logger.WithFields(fields)

	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		err := r.invoke(ctx, op)
		if err == nil {
			if attempt > 1 {
				log.Infof("第 %d 次尝试后成功", attempt)
			}
			return Result{Success: true, Attempts: attempt}
		}
		lastErr = err

		class := Classify(err, r.env)
		if class == ClassFatal {
			log.WithError(err).Errorf("不可重试的错误，第 %d 次尝试后放弃", attempt)
			return Result{Attempts: attempt, Class: ClassFatal, Err: err}
		}
		if attempt == r.opts.MaxRetries {
			break
		}

		d := r.opts.delay(attempt)
		log.WithError(err).Warnf("第 %d 次尝试失败，%v 后重试", attempt, d)
		if serr := r.sleep(ctx, d); serr != nil {
			return Result{Attempts: attempt, Class: ClassFatal, Err: fmt.Errorf("等待重试被中断: %w", serr)}
		}
	}

	res := Result{Attempts: r.opts.MaxRetries, Class: ClassRetryable, Err: fmt.Errorf("重试 %d 次后失败: %w", r.opts.MaxRetries, lastErr)}
	if r.dlq != nil && ev != nil {
		r.dlq.Add(ctx, ev, lastErr, r.opts.MaxRetries)
		res.DeadLettered = true
	}
	log.WithError(lastErr).Errorf("%d 次尝试后最终失败", r.opts.MaxRetries)
	return res
}

// invoke 执行 op 并将 panic 转为错误
func (r *Retrier) invoke(ctx context.Context, op func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("处理过程 panic: %v", p)
		}
	}()
	return op(ctx)
}

// Do 对基础设施操作做简单重试，不写死信
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if Classify(err, r.env) == ClassFatal || attempt == r.opts.MaxRetries {
			break
		}
		d := r.opts.delay(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, d)
		if err := r.sleep(ctx, d); err != nil {
			return err
		}
	}
	return fmt.Errorf("操作 '%s' 失败: %w", operation, lastErr)
}
