package retry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// DeadLetter 重试耗尽的事件
type DeadLetter struct {
	ID            string               `json:"id"`
	Key           string               `json:"key"`
	Event         *models.DecodedEvent `json:"event"`
	Error         string               `json:"error"`
	Attempts      int                  `json:"attempts"`
	Failures      int                  `json:"failures"`
	FirstFailedAt time.Time            `json:"first_failed_at"`
	LastFailedAt  time.Time            `json:"last_failed_at"`
}

// DeadLetterSink 死信外部镜像（Kafka、文件）
type DeadLetterSink interface {
	Publish(ctx context.Context, dl *DeadLetter) error
	Close() error
}

// DeadLetterQueue 进程内死信表，键为 txHash:eventName
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries map[string]*DeadLetter
	sink    DeadLetterSink
	logger  *logrus.Logger
	now     func() time.Time
}

// NewDeadLetterQueue 创建死信队列，sink 可为 nil
func NewDeadLetterQueue(sink DeadLetterSink, logger *logrus.Logger) *DeadLetterQueue {
	return &DeadLetterQueue{
		entries: make(map[string]*DeadLetter),
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
}

// Add 写入或更新死信，同一键再次失败时累计失败次数
func (q *DeadLetterQueue) Add(ctx context.Context, ev *models.DecodedEvent, cause error, attempts int) *DeadLetter {
	key := identity.DeadLetterKey(ev.TransactionHash, ev.EventName)
	now := q.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	q.mu.Lock()
	dl, ok := q.entries[key]
	if !ok {
		dl = &DeadLetter{ID: uuid.NewString(), Key: key, FirstFailedAt: now}
		q.entries[key] = dl
	}
	dl.Event = ev
	dl.Error = msg
	dl.Attempts = attempts
	dl.Failures++
	dl.LastFailedAt = now
	snapshot := *dl
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"key":      key,
		"attempts": attempts,
		"failures": snapshot.Failures,
	}).Error("事件进入死信队列")

	if q.sink != nil {
		if err := q.sink.Publish(ctx, &snapshot); err != nil {
			q.logger.WithError(err).WithField("key", key).Warn("死信镜像写入失败")
		}
	}
	return &snapshot
}

// Get 按键读取
func (q *DeadLetterQueue) Get(key string) (*DeadLetter, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	dl, ok := q.entries[key]
	if !ok {
		return nil, false
	}
	cp := *dl
	return &cp, true
}

// Remove 删除死信
func (q *DeadLetterQueue) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[key]; !ok {
		return false
	}
	delete(q.entries, key)
	return true
}

// List 按首次失败时间升序返回快照
func (q *DeadLetterQueue) List() []*DeadLetter {
	q.mu.RLock()
	out := make([]*DeadLetter, 0, len(q.entries))
	for _, dl := range q.entries {
		cp := *dl
		out = append(out, &cp)
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstFailedAt.Equal(out[j].FirstFailedAt) {
			return out[i].FirstFailedAt.Before(out[j].FirstFailedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Len 死信数量
func (q *DeadLetterQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Close 关闭外部镜像
func (q *DeadLetterQueue) Close() error {
	if q.sink == nil {
		return nil
	}
	return q.sink.Close()
}

// ReplayReport 死信重放结果
type ReplayReport struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// RetryFailedEvents 逐个重放死信，成功的从队列删除
func (q *DeadLetterQueue) RetryFailedEvents(ctx context.Context, replay func(ctx context.Context, dl *DeadLetter) error) ReplayReport {
	report := ReplayReport{Errors: make(map[string]string)}
	for _, dl := range q.List() {
		if err := ctx.Err(); err != nil {
			report.Failed++
			report.Errors[dl.Key] = err.Error()
			continue
		}
		if err := replay(ctx, dl); err != nil {
			report.Failed++
			report.Errors[dl.Key] = err.Error()
			q.logger.WithError(err).WithField("key", dl.Key).Warn("死信重放失败")
			continue
		}
		q.Remove(dl.Key)
		report.Succeeded++
	}
	q.logger.WithFields(logrus.Fields{
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
	}).Info("死信重放完成")
	return report
}
