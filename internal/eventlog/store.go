// Package eventlog 事件日志：所有已处理事件的只追加记录，按 txHash:logIndex 幂等
package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// ErrAlreadyRecorded 相同标识的事件已存在，调用方应视为已应用
var ErrAlreadyRecorded = errors.New("事件已记录")

// StepCompleted 全部投影步骤完成后写入的终止标记
const StepCompleted = "__done"

// StepRecord 投影步骤日志
type StepRecord struct {
	EventID string    `json:"event_id"`
	Step    string    `json:"step"`
	DoneAt  time.Time `json:"done_at"`
}

// Store 事件日志存储
type Store struct {
	store  storage.Store
	logger *logrus.Logger
	now    func() time.Time
}

// New 创建事件日志存储
func New(store storage.Store, logger *logrus.Logger) *Store {
	return &Store{store: store, logger: logger, now: time.Now}
}

// RecordEvent 插入新的事件记录（processed=true）。
// 标识重复时返回已有记录和 ErrAlreadyRecorded
func (s *Store) RecordEvent(ctx context.Context, name, contractAddress, contractName string, args json.RawMessage, p models.Provenance) (*models.Event, error) {
	id, err := identity.EventID(p.TransactionHash, p.LogIndex)
	if err != nil {
		return nil, ierrors.Fatal(err)
	}
	contract, err := identity.NormalizeAddress(contractAddress)
	if err != nil {
		return nil, ierrors.Fatal(err)
	}

	var payload json.RawMessage
	if len(args) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, args); err != nil {
			return nil, ierrors.Malformed("事件参数不是有效的 JSON: %v", err)
		}
		payload = buf.Bytes()
	} else {
		payload = json.RawMessage("{}")
	}

	ev := &models.Event{
		ID:               id,
		EventName:        name,
		ContractAddress:  contract,
		ContractName:     contractName,
		Args:             payload,
		ChainID:          p.ChainID,
		BlockNumber:      p.BlockNumber,
		BlockTimestamp:   p.BlockTimestamp,
		TransactionHash:  id[:66],
		TransactionIndex: p.TransactionIndex,
		LogIndex:         p.LogIndex,
		From:             normalizeOptional(p.From),
		To:               normalizeOptional(p.To),
		Processed:        true,
		CreatedAt:        s.now().UTC(),
	}

	err = s.store.Insert(ctx, storage.TableEvents, id, ev)
	if errors.Is(err, storage.ErrDuplicate) {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return existing, ErrAlreadyRecorded
	}
	if err != nil {
		return nil, fmt.Errorf("记录事件 %s 失败: %w", id, err)
	}
	return ev, nil
}

func normalizeOptional(addr string) string {
	if addr == "" {
		return ""
	}
	if n, err := identity.NormalizeAddress(addr); err == nil {
		return n
	}
	return addr
}

// Get 按标识读取事件
func (s *Store) Get(ctx context.Context, id string) (*models.Event, error) {
	var ev models.Event
	if err := s.store.Get(ctx, storage.TableEvents, id, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// MarkFailed 标记投影失败：processed=false 并记录错误
func (s *Store) MarkFailed(ctx context.Context, id, errText string) error {
	_, err := storage.Mutate(ctx, s.store, storage.TableEvents, id, func(ev *models.Event) (bool, error) {
		ev.Processed = false
		ev.Error = errText
		ev.Fatal = false
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("标记事件 %s 失败状态失败: %w", id, err)
	}
	s.logger.WithFields(logrus.Fields{"event_id": id, "error": errText}).Warn("事件投影失败")
	return nil
}

// MarkFatal 标记不可重试的失败，事件仍出现在未处理列表中但不参与自动重放
func (s *Store) MarkFatal(ctx context.Context, id, errText string) error {
	_, err := storage.Mutate(ctx, s.store, storage.TableEvents, id, func(ev *models.Event) (bool, error) {
		ev.Processed = false
		ev.Error = errText
		ev.Fatal = true
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("标记事件 %s 致命失败状态失败: %w", id, err)
	}
	s.logger.WithFields(logrus.Fields{"event_id": id, "error": errText}).Error("事件投影致命失败，需人工处理")
	return nil
}

// MarkProcessed 重放成功后恢复 processed=true 并清除错误
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	_, err := storage.Mutate(ctx, s.store, storage.TableEvents, id, func(ev *models.Event) (bool, error) {
		if ev.Processed && ev.Error == "" && !ev.Fatal {
			return false, nil
		}
		ev.Processed = true
		ev.Error = ""
		ev.Fatal = false
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("标记事件 %s 已处理失败: %w", id, err)
	}
	return nil
}

func ascending(events []*models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
}

func descending(events []*models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber > events[j].BlockNumber
		}
		return events[i].LogIndex > events[j].LogIndex
	})
}

func limited(events []*models.Event, limit int) []*models.Event {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}

// ListUnprocessed 未处理事件，按区块升序，便于从最旧的开始重放
func (s *Store) ListUnprocessed(ctx context.Context, limit int) ([]*models.Event, error) {
	events, err := storage.ScanAll(ctx, s.store, storage.TableEvents, func(ev *models.Event) bool {
		return !ev.Processed
	})
	if err != nil {
		return nil, err
	}
	ascending(events)
	return limited(events, limit), nil
}

// ListByContract 合约事件，按区块降序
func (s *Store) ListByContract(ctx context.Context, contractAddress string, limit int) ([]*models.Event, error) {
	contract, err := identity.NormalizeAddress(contractAddress)
	if err != nil {
		return nil, err
	}
	events, err := storage.ScanAll(ctx, s.store, storage.TableEvents, func(ev *models.Event) bool {
		return ev.ContractAddress == contract
	})
	if err != nil {
		return nil, err
	}
	descending(events)
	return limited(events, limit), nil
}

// ListByEventName 指定名称的事件，按区块降序
func (s *Store) ListByEventName(ctx context.Context, name string, limit int) ([]*models.Event, error) {
	events, err := storage.ScanAll(ctx, s.store, storage.TableEvents, func(ev *models.Event) bool {
		return ev.EventName == name
	})
	if err != nil {
		return nil, err
	}
	descending(events)
	return limited(events, limit), nil
}

// ListByBlockRange 区块闭区间 [from, to] 内的事件，按区块升序
func (s *Store) ListByBlockRange(ctx context.Context, from, to uint64) ([]*models.Event, error) {
	if from > to {
		return nil, fmt.Errorf("无效的区块范围: %d > %d", from, to)
	}
	events, err := storage.ScanAll(ctx, s.store, storage.TableEvents, func(ev *models.Event) bool {
		return ev.BlockNumber >= from && ev.BlockNumber <= to
	})
	if err != nil {
		return nil, err
	}
	ascending(events)
	return events, nil
}

func stepKey(eventID, step string) string {
	return eventID + "#" + step
}

// StepDone 投影步骤是否已完成
func (s *Store) StepDone(ctx context.Context, eventID, step string) (bool, error) {
	var rec StepRecord
	err := s.store.Get(ctx, storage.TableProjectionSteps, stepKey(eventID, step), &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkStep 记录投影步骤完成，重复记录视为成功
func (s *Store) MarkStep(ctx context.Context, eventID, step string) error {
	rec := StepRecord{EventID: eventID, Step: step, DoneAt: s.now().UTC()}
	err := s.store.Insert(ctx, storage.TableProjectionSteps, stepKey(eventID, step), rec)
	if err != nil && !errors.Is(err, storage.ErrDuplicate) {
		return fmt.Errorf("记录投影步骤 %s 失败: %w", stepKey(eventID, step), err)
	}
	return nil
}

// ApplyStep 在同一事务内执行投影步骤并写入步骤日志，两者要么都生效要么都不生效。
// 步骤此前已完成时不执行 fn，返回 false
func (s *Store) ApplyStep(ctx context.Context, eventID, step string, fn func(ctx context.Context) error) (bool, error) {
	applied := false
	err := s.store.Tx(ctx, func(ctx context.Context) error {
		done, err := s.StepDone(ctx, eventID, step)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := fn(ctx); err != nil {
			return err
		}
		if err := s.MarkStep(ctx, eventID, step); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Completed 事件的全部投影步骤是否已完成
func (s *Store) Completed(ctx context.Context, eventID string) (bool, error) {
	return s.StepDone(ctx, eventID, StepCompleted)
}

// MarkCompleted 写入终止标记
func (s *Store) MarkCompleted(ctx context.Context, eventID string) error {
	return s.MarkStep(ctx, eventID, StepCompleted)
}
