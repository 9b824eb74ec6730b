package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/detector"
	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/eventlog"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/handler"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/repository"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/retry"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/validation"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

const (
	nft   = "0x3333333333333333333333333333333333333333"
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// scriptedDispatcher 记录调用次数，可注入错误并统计同链并发
type scriptedDispatcher struct {
	mu       sync.Mutex
	calls    int
	err      error
	inFlight map[uint64]int
	maxSeen  int
	hold     time.Duration
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, env *models.Envelope) error {
	d.mu.Lock()
	d.calls++
	if d.inFlight == nil {
		d.inFlight = make(map[uint64]int)
	}
	d.inFlight[env.Event.ChainID]++
	if d.inFlight[env.Event.ChainID] > d.maxSeen {
		d.maxSeen = d.inFlight[env.Event.ChainID]
	}
	err := d.err
	d.mu.Unlock()

	if d.hold > 0 {
		time.Sleep(d.hold)
	}

	d.mu.Lock()
	d.inFlight[env.Event.ChainID]--
	d.mu.Unlock()
	return err
}

func (d *scriptedDispatcher) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "pipeline.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newProcessor(t *testing.T, d Dispatcher, st storage.Store) *Processor {
	t.Helper()
	logger := quietLogger()
	retrier := retry.NewRetrier(retry.Options{MaxRetries: 3, Delay: time.Millisecond, BackoffMultiplier: 2},
		retry.EnvProduction, retry.NewDeadLetterQueue(nil, logger), logger)
	retrier.SetSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
	return NewProcessor(d, eventlog.New(st, logger), validation.NewValidator(logger, false), retrier, logger)
}

func transferEvent(chainID uint64, seq int, args map[string]interface{}) *models.DecodedEvent {
	raw, _ := json.Marshal(args)
	return &models.DecodedEvent{
		EventName:       models.EventTransfer,
		ContractAddress: nft,
		ChainID:         chainID,
		BlockNumber:     uint64(100 + seq),
		BlockTimestamp:  1700000000,
		TransactionHash: fmt.Sprintf("0x%064x", seq),
		LogIndex:        0,
		Args:            raw,
	}
}

func mintArgs(tokenID string) map[string]interface{} {
	return map[string]interface{}{
		"from":    "0x0000000000000000000000000000000000000000",
		"to":      alice,
		"tokenId": tokenID,
	}
}

func TestProcessor_Success(t *testing.T) {
	d := &scriptedDispatcher{}
	p := newProcessor(t, d, newStore(t))

	require.NoError(t, p.Process(context.Background(), transferEvent(1, 1, mintArgs("1"))))
	assert.Equal(t, 1, d.calls)
}

func TestProcessor_RejectsInvalidEnvelope(t *testing.T) {
	d := &scriptedDispatcher{}
	p := newProcessor(t, d, newStore(t))

	ev := transferEvent(1, 1, mintArgs("1"))
	ev.TransactionHash = "0x1234"
	err := p.Process(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, 0, d.calls)

	assert.Error(t, p.Process(context.Background(), nil))
}

func TestProcessor_RejectsMalformedArgs(t *testing.T) {
	d := &scriptedDispatcher{}
	p := newProcessor(t, d, newStore(t))

	err := p.Process(context.Background(), transferEvent(1, 1, mintArgs("12abc")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ierrors.ErrMalformedPayload))
	assert.Equal(t, 0, d.calls)
	assert.Equal(t, 0, p.Retrier().Queue().Len())
}

func TestProcessor_DeadLetterAndReplay(t *testing.T) {
	d := &scriptedDispatcher{err: ierrors.Retryable(errors.New("database connection lost"))}
	p := newProcessor(t, d, newStore(t))
	ctx := context.Background()

	ev := transferEvent(1, 7, mintArgs("1"))
	require.Error(t, p.Process(ctx, ev))
	assert.Equal(t, 3, d.calls)
	require.Equal(t, 1, p.Retrier().Queue().Len())
	assert.Greater(t, p.ErrorHandler().GetStats().TotalErrors, 0)

	// 依旧失败：条目保留，失败次数累加
	report := p.ReplayDeadLetters(ctx)
	assert.Equal(t, 0, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	dl, ok := p.Retrier().Queue().Get(fmt.Sprintf("0x%064x:Transfer", 7))
	require.True(t, ok)
	assert.Equal(t, 2, dl.Failures)

	d.setErr(nil)
	report = p.ReplayDeadLetters(ctx)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, p.Retrier().Queue().Len())
}

func TestProcessor_FatalNotDeadLettered(t *testing.T) {
	d := &scriptedDispatcher{err: ierrors.Fatal(errors.New("constraint violated"))}
	p := newProcessor(t, d, newStore(t))

	require.Error(t, p.Process(context.Background(), transferEvent(1, 1, mintArgs("1"))))
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, 0, p.Retrier().Queue().Len())
}

func TestProcessor_SerializesPerChain(t *testing.T) {
	d := &scriptedDispatcher{hold: 2 * time.Millisecond}
	p := newProcessor(t, d, newStore(t))

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, p.Process(context.Background(), transferEvent(1, i, mintArgs("1"))))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, d.calls)
	assert.Equal(t, 1, d.maxSeen)
}

func TestProcessor_ProcessAll(t *testing.T) {
	d := &scriptedDispatcher{}
	p := newProcessor(t, d, newStore(t))

	failed := p.ProcessAll(context.Background(), []*models.DecodedEvent{
		transferEvent(1, 1, mintArgs("1")),
		transferEvent(1, 2, mintArgs("bad")),
		transferEvent(1, 3, mintArgs("3")),
	})
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, d.calls)
}

// kindProber 所有地址都是 ERC721
type kindProber struct{}

func (kindProber) SupportsInterface(_ context.Context, _ uint64, _ string, id [4]byte) (bool, error) {
	return id == detector.InterfaceERC721, nil
}

func TestProcessor_ReplayUnprocessed(t *testing.T) {
	logger := quietLogger()
	st := newStore(t)
	events := eventlog.New(st, logger)
	repos := repository.New(st, logger)
	cache, err := detector.NewCache(detector.NewDetector(kindProber{}, logger), 16, nil, logger)
	require.NoError(t, err)
	registry := handler.NewRegistry(handler.Deps{Events: events, Repos: repos, Kinds: cache, Logger: logger})
	p := newProcessor(t, registry, st)
	ctx := context.Background()

	// 模拟崩溃：事件已写入但投影失败
	ev := transferEvent(1, 9, mintArgs("42"))
	rec, err := events.RecordEvent(ctx, ev.EventName, ev.ContractAddress, "", ev.Args, ev.Provenance())
	require.NoError(t, err)
	require.NoError(t, events.MarkFailed(ctx, rec.ID, "boom"))

	report, err := p.ReplayUnprocessed(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	pending, err := events.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	tok, err := repos.Tokens.GetByTokenID(ctx, 1, nft, "42")
	require.NoError(t, err)
	assert.Equal(t, alice, tok.Owner)

	acc, err := repos.Accounts.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "1", acc.NFTsMinted)
}

func TestProcessor_ReplayUnprocessedSkipsFatal(t *testing.T) {
	logger := quietLogger()
	st := newStore(t)
	events := eventlog.New(st, logger)
	repos := repository.New(st, logger)
	cache, err := detector.NewCache(detector.NewDetector(kindProber{}, logger), 16, nil, logger)
	require.NoError(t, err)
	registry := handler.NewRegistry(handler.Deps{Events: events, Repos: repos, Kinds: cache, Logger: logger})
	p := newProcessor(t, registry, st)
	ctx := context.Background()

	ev := transferEvent(1, 11, mintArgs("5"))
	rec, err := events.RecordEvent(ctx, ev.EventName, ev.ContractAddress, "", ev.Args, ev.Provenance())
	require.NoError(t, err)
	require.NoError(t, events.MarkFatal(ctx, rec.ID, "bad data"))

	report, err := p.ReplayUnprocessed(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Succeeded)

	pending, err := events.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Fatal)

	report, err = p.ReplayUnprocessed(ctx, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Skipped)

	pending, err = events.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFromRecord(t *testing.T) {
	rec := &models.Event{
		EventName:       models.EventBidPlaced,
		ContractAddress: nft,
		ChainID:         5,
		BlockNumber:     9,
		TransactionHash: "0xabc",
		LogIndex:        4,
		From:            bob,
		Args:            json.RawMessage(`{"a":1}`),
	}
	ev := FromRecord(rec)
	assert.Equal(t, rec.EventName, ev.EventName)
	assert.Equal(t, uint64(5), ev.ChainID)
	assert.Equal(t, uint(4), ev.LogIndex)
	assert.Equal(t, bob, ev.From)
	assert.JSONEq(t, `{"a":1}`, string(ev.Args))
}

func TestSweeper_SweepOnce(t *testing.T) {
	logger := quietLogger()
	repos := repository.New(newStore(t), logger)
	ctx := context.Background()

	created, err := repos.Listings.Create(ctx, &models.Listing{
		ID:         "0x00000000000000000000000000000000000000000000000000000000000000aa",
		Kind:         models.ListingKindListing,
		ChainID:      1,
		Status:       models.ListingStatusActive,
		Maker:        alice,
		Collection:   nft,
		TokenID:      "1",
		Amount:       "1",
		FilledAmount: "0",
		Price:        "1000",
		ExpiresAt:    1000,
	})
	require.NoError(t, err)
	require.True(t, created)

	s := NewSweeper(repos.Listings, 0, logger)
	s.now = func() time.Time { return time.Unix(2000, 0) }
	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	repos := repository.New(newStore(t), quietLogger())
	s := NewSweeper(repos.Listings, time.Millisecond, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
}
