// Package progress 记录每条链的处理进度
package progress

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
)

// ChainProgress 链处理进度
type ChainProgress struct {
	ChainID            uint64    `json:"chain_id"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	EventsProcessed    uint64    `json:"events_processed"`
	StartTime          time.Time `json:"start_time"`
	LastUpdateTime     time.Time `json:"last_update_time"`
}

// ProcessingRate 事件/秒
func (p *ChainProgress) ProcessingRate() float64 {
	elapsed := p.LastUpdateTime.Sub(p.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.EventsProcessed) / elapsed
}

// Tracker 进度跟踪，区块号只前进不后退
type Tracker struct {
	store  storage.Store
	logger *logrus.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[uint64]ChainProgress
}

// NewTracker 创建进度跟踪器
func NewTracker(store storage.Store, logger *logrus.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
		cache:  make(map[uint64]ChainProgress),
	}
}

func key(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

// Record 记录一个已处理事件
func (t *Tracker) Record(ctx context.Context, chainID, block uint64) error {
	now := t.now()
	id := key(chainID)

	err := t.store.Insert(ctx, storage.TableChainProgress, id, &ChainProgress{
		ChainID:            chainID,
		LastProcessedBlock: block,
		EventsProcessed:    1,
		StartTime:          now,
		LastUpdateTime:     now,
	})
	switch {
	case err == nil:
		t.remember(ChainProgress{ChainID: chainID, LastProcessedBlock: block, EventsProcessed: 1, StartTime: now, LastUpdateTime: now})
		return nil
	case !errors.Is(err, storage.ErrDuplicate):
		return err
	}

	updated, err := storage.Mutate(ctx, t.store, storage.TableChainProgress, id, func(p *ChainProgress) (bool, error) {
		p.EventsProcessed++
		if block > p.LastProcessedBlock {
			p.LastProcessedBlock = block
		}
		p.LastUpdateTime = now
		return true, nil
	})
	if err != nil {
		return err
	}
	t.remember(*updated)
	return nil
}

func (t *Tracker) remember(p ChainProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[p.ChainID] = p
}

// Get 链进度，优先读内存
func (t *Tracker) Get(ctx context.Context, chainID uint64) (*ChainProgress, error) {
	t.mu.RLock()
	p, ok := t.cache[chainID]
	t.mu.RUnlock()
	if ok {
		return &p, nil
	}

	var stored ChainProgress
	if err := t.store.Get(ctx, storage.TableChainProgress, key(chainID), &stored); err != nil {
		return nil, err
	}
	t.remember(stored)
	return &stored, nil
}

// All 全部链进度，按链ID升序
func (t *Tracker) All(ctx context.Context) ([]*ChainProgress, error) {
	all, err := storage.ScanAll[ChainProgress](ctx, t.store, storage.TableChainProgress, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ChainID < all[j].ChainID })
	return all, nil
}
