package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/decoder"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/detector"
	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/eventlog"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/repository"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

const (
	zero        = identity.ZeroAddress
	alice       = "0x1111111111111111111111111111111111111111"
	bob         = "0x2222222222222222222222222222222222222222"
	nft         = "0x3333333333333333333333333333333333333333"
	market      = "0x4444444444444444444444444444444444444444"
	royaltyAddr = "0x5555555555555555555555555555555555555555"
	listingHash = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	price       = "1000000000000000000"
)

// flakyStore 按表名或 表名/标识 注入写失败
type flakyStore struct {
	storage.Store
	mu      sync.Mutex
	updates map[string]injected
	inserts map[string]injected
}

type injected struct {
	n   int
	err error
}

var errConnLost = ierrors.Retryable(errors.New("database connection lost"))

func (f *flakyStore) failUpdates(key string, n int) {
	f.failUpdatesWith(key, n, errConnLost)
}

func (f *flakyStore) failUpdatesWith(key string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[key] = injected{n: n, err: err}
}

func (f *flakyStore) failInserts(table string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts[table] = injected{n: n, err: errConnLost}
}

func (f *flakyStore) take(m map[string]injected, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		if inj := m[k]; inj.n > 0 {
			inj.n--
			m[k] = inj
			return inj.err
		}
	}
	return nil
}

func (f *flakyStore) Update(ctx context.Context, table, id string, fn storage.UpdateFunc) error {
	if err := f.take(f.updates, table, table+"/"+id); err != nil {
		return err
	}
	return f.Store.Update(ctx, table, id, fn)
}

func (f *flakyStore) Insert(ctx context.Context, table, id string, doc any) error {
	if err := f.take(f.inserts, table); err != nil {
		return err
	}
	return f.Store.Insert(ctx, table, id, doc)
}

type fixture struct {
	t        *testing.T
	store    *flakyStore
	events   *eventlog.Store
	repos    *repository.Repositories
	registry *Registry
	prober   *kindProber
	txSeq    int
}

// kindProber 按地址返回支持的接口
type kindProber struct {
	mu    sync.Mutex
	kinds map[string]models.TokenKind
	err   error
	calls int
}

func (p *kindProber) SupportsInterface(_ context.Context, _ uint64, addr string, id [4]byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return false, p.err
	}
	switch p.kinds[addr] {
	case models.TokenKindERC721:
		return id == detector.InterfaceERC721, nil
	case models.TokenKindERC1155:
		return id == detector.InterfaceERC1155, nil
	}
	return false, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	bolt, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "handler.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	st := &flakyStore{Store: bolt, updates: make(map[string]injected), inserts: make(map[string]injected)}
	prober := &kindProber{kinds: map[string]models.TokenKind{nft: models.TokenKindERC721}}
	cache, err := detector.NewCache(detector.NewDetector(prober, logger), 64, nil, logger)
	require.NoError(t, err)

	events := eventlog.New(st, logger)
	repos := repository.New(st, logger)
	return &fixture{
		t:      t,
		store:  st,
		events: events,
		repos:  repos,
		prober: prober,
		registry: NewRegistry(Deps{
			Events: events,
			Repos:  repos,
			Kinds:  cache,
			Logger: logger,
		}),
	}
}

func (f *fixture) nextTx() string {
	f.txSeq++
	return fmt.Sprintf("0x%064x", f.txSeq)
}

// event 构造事件，tx 为空时分配新的交易哈希
func (f *fixture) event(name, contract, tx string, logIndex uint, ts uint64, args map[string]interface{}) *models.DecodedEvent {
	if tx == "" {
		tx = f.nextTx()
	}
	raw, err := json.Marshal(args)
	require.NoError(f.t, err)
	return &models.DecodedEvent{
		EventName:       name,
		ContractAddress: contract,
		ChainID:         1,
		BlockNumber:     uint64(100 + f.txSeq),
		BlockTimestamp:  ts,
		TransactionHash: tx,
		LogIndex:        logIndex,
		Args:            raw,
	}
}

func (f *fixture) deliver(ev *models.DecodedEvent) error {
	env, err := decoder.Decode(ev)
	if err != nil {
		return err
	}
	return f.registry.Dispatch(context.Background(), env)
}

func (f *fixture) mustDeliver(ev *models.DecodedEvent) {
	require.NoError(f.t, f.deliver(ev))
}

func (f *fixture) countEvents() int {
	events, err := f.events.ListByBlockRange(context.Background(), 0, 1<<62)
	require.NoError(f.t, err)
	return len(events)
}

func (f *fixture) listingCreated(ts uint64) *models.DecodedEvent {
	return f.event(models.EventListingCreated, market, "", 0, ts, map[string]interface{}{
		"listingId":   listingHash,
		"nftContract": nft,
		"tokenId":     "7",
		"seller":      alice,
		"price":       price,
	})
}

func (f *fixture) purchase(ts uint64) *models.DecodedEvent {
	return f.event(models.EventNFTPurchased, market, "", 3, ts, map[string]interface{}{
		"listingId":        listingHash,
		"buyer":            bob,
		"seller":           alice,
		"nftContract":      nft,
		"tokenId":          "7",
		"price":            price,
		"marketplaceFee":   "25000000000000000",
		"royaltyAmount":    "50000000000000000",
		"royaltyRecipient": royaltyAddr,
	})
}

func TestRegistry_Names(t *testing.T) {
	f := newFixture(t)
	names := f.registry.Names()
	assert.Len(t, names, 14)
	for _, name := range names {
		assert.True(t, decoder.Supported(name), name)
	}
}

func TestDispatch_UnknownEventAndWrongArgs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.registry.Dispatch(ctx, &models.Envelope{Event: &models.DecodedEvent{EventName: "Approval"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ierrors.ErrUnknownEvent))

	ev := f.event(models.EventTransfer, nft, "", 0, 1, map[string]interface{}{})
	err = f.registry.Dispatch(ctx, &models.Envelope{Event: ev, Args: models.BidPlacedArgs{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ierrors.ErrMalformedPayload))
	assert.Equal(t, 0, f.countEvents(), "参数类型错误时不写事件")
}

func TestTransfer_MintIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(models.EventTransfer, nft, "", 1, 1000, map[string]interface{}{
		"from": zero, "to": alice, "tokenId": "7",
	})

	f.mustDeliver(ev)
	f.mustDeliver(ev)

	assert.Equal(t, 1, f.countEvents())

	tok, err := f.repos.Tokens.GetByTokenID(ctx, 1, nft, "7")
	require.NoError(t, err)
	assert.False(t, tok.IsBurned)
	assert.Equal(t, alice, tok.Owner)
	assert.Equal(t, alice, tok.Minter)
	assert.Equal(t, "1", tok.Supply)

	acc, err := f.repos.Accounts.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "1", acc.NFTsMinted)
	assert.Equal(t, "1", acc.NFTsOwned)

	c, err := f.repos.Collections.GetByAddress(ctx, 1, nft)
	require.NoError(t, err)
	assert.Equal(t, models.TokenKindERC721, c.Kind)
	assert.Equal(t, "1", c.MintedSupply)
	assert.Equal(t, "1", c.TotalSupply)
}

func TestTransfer_MoveUpdatesOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustDeliver(f.event(models.EventTransfer, nft, "", 0, 10, map[string]interface{}{"from": zero, "to": alice, "tokenId": "1"}))
	f.mustDeliver(f.event(models.EventTransfer, nft, "", 0, 20, map[string]interface{}{"from": alice, "to": bob, "tokenId": "1"}))

	tok, err := f.repos.Tokens.GetByTokenID(ctx, 1, nft, "1")
	require.NoError(t, err)
	assert.Equal(t, bob, tok.Owner)
	assert.Equal(t, int64(20), tok.LastTransferAt)

	a, err := f.repos.Accounts.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "0", a.NFTsOwned)
	b, err := f.repos.Accounts.Get(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "1", b.NFTsOwned)
}

func TestTransferSingle_BurnLatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	erc1155 := "0x6666666666666666666666666666666666666666"

	f.mustDeliver(f.event(models.EventTransferSingle, erc1155, "", 0, 10, map[string]interface{}{
		"operator": alice, "from": zero, "to": alice, "id": "9", "value": "5",
	}))
	acc, err := f.repos.Accounts.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "5", acc.NFTsMinted)

	f.mustDeliver(f.event(models.EventTransferSingle, erc1155, "", 0, 20, map[string]interface{}{
		"operator": alice, "from": alice, "to": zero, "id": "9", "value": "3",
	}))
	tok, err := f.repos.Tokens.GetByTokenID(ctx, 1, erc1155, "9")
	require.NoError(t, err)
	assert.False(t, tok.IsBurned)
	assert.Equal(t, "2", tok.Supply)

	burnAll := f.event(models.EventTransferSingle, erc1155, "", 0, 30, map[string]interface{}{
		"operator": alice, "from": alice, "to": zero, "id": "9", "value": "2",
	})
	f.mustDeliver(burnAll)
	f.mustDeliver(burnAll)
	f.mustDeliver(f.event(models.EventTransferSingle, erc1155, "", 0, 40, map[string]interface{}{
		"operator": alice, "from": alice, "to": zero, "id": "9", "value": "1",
	}))

	tok, err = f.repos.Tokens.GetByTokenID(ctx, 1, erc1155, "9")
	require.NoError(t, err)
	assert.True(t, tok.IsBurned)
	assert.Equal(t, "0", tok.Supply)

	c, err := f.repos.Collections.GetByAddress(ctx, 1, erc1155)
	require.NoError(t, err)
	assert.Equal(t, models.TokenKindERC1155, c.Kind)
	assert.Equal(t, "6", c.BurnedSupply)
	assert.Equal(t, "0", c.TotalSupply)
}

func TestTransferBatch_FanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	erc1155 := "0x6666666666666666666666666666666666666666"

	batch := f.event(models.EventTransferBatch, erc1155, "", 4, 10, map[string]interface{}{
		"operator": alice, "from": zero, "to": bob,
		"ids":    []string{"1", "2", "3"},
		"values": []string{"10", "20", "30"},
	})
	f.mustDeliver(batch)
	f.mustDeliver(batch)

	events, err := f.events.ListByEventName(ctx, models.EventTransferSingle, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	ids := map[string]bool{}
	for _, ev := range events {
		ids[ev.ID] = true
		assert.GreaterOrEqual(t, ev.LogIndex, uint(5*65536))
	}
	assert.Len(t, ids, 3)
	assert.Equal(t, 4, f.countEvents(), "批量事件本身加 3 个子事件")

	acc, err := f.repos.Accounts.Get(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "60", acc.NFTsMinted)

	tok, err := f.repos.Tokens.GetByTokenID(ctx, 1, erc1155, "2")
	require.NoError(t, err)
	assert.Equal(t, "20", tok.Supply)
}

func TestListingAndPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustDeliver(f.listingCreated(100))
	buy := f.purchase(200)
	f.mustDeliver(buy)
	f.mustDeliver(buy)

	l, err := f.repos.Listings.Get(ctx, listingHash)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusFilled, l.Status)
	assert.Equal(t, 100, l.FillPercent)
	assert.Equal(t, bob, l.Taker)
	assert.Equal(t, models.TokenKindERC721, l.TokenKind)

	trades, err := f.repos.Trades.ListByCollection(ctx, nft, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, price, trades[0].Price)
	assert.Equal(t, models.TradeKindSale, trades[0].Kind)
	assert.Equal(t, listingHash, trades[0].ListingID)

	seller, err := f.repos.Accounts.Get(ctx, alice)
	require.NoError(t, err)
	buyer, err := f.repos.Accounts.Get(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seller.TotalTrades)
	assert.Equal(t, int64(1), seller.MakerTrades)
	assert.Equal(t, "25000000000000000", seller.FeesPaid)
	assert.Equal(t, int64(1), buyer.TotalTrades)
	assert.Equal(t, int64(1), buyer.TakerTrades)
	assert.Equal(t, price, buyer.TotalVolume)

	royalty, err := f.repos.Accounts.Get(ctx, royaltyAddr)
	require.NoError(t, err)
	assert.Equal(t, "50000000000000000", royalty.FeesEarned)

	c, err := f.repos.Collections.GetByAddress(ctx, 1, nft)
	require.NoError(t, err)
	assert.Equal(t, price, c.FloorPrice)
	assert.Equal(t, int64(1), c.TradeCount)
	assert.Equal(t, price, c.TotalVolume)

	// 已成交后取消是无操作
	f.mustDeliver(f.event(models.EventListingCancelled, market, "", 0, 300, map[string]interface{}{
		"listingId": listingHash, "seller": alice,
	}))
	l, err = f.repos.Listings.Get(ctx, listingHash)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusFilled, l.Status)
}

func TestPurchase_UpdatesKnownToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustDeliver(f.event(models.EventTransfer, nft, "", 0, 10, map[string]interface{}{"from": zero, "to": alice, "tokenId": "7"}))
	f.mustDeliver(f.listingCreated(20))
	f.mustDeliver(f.purchase(30))

	tok, err := f.repos.Tokens.GetByTokenID(ctx, 1, nft, "7")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tok.TradeCount)
	assert.Equal(t, price, tok.LastSalePrice)
	assert.Equal(t, int64(30), tok.LastSaleAt)
}

func TestListing_FloorPriceOnlyDecreases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, p := range []string{"500", "900", "300", "400"} {
		f.mustDeliver(f.event(models.EventListingCreated, market, "", 0, 10, map[string]interface{}{
			"listingId":   fmt.Sprintf("0x%064x", 0x100+i),
			"nftContract": nft,
			"tokenId":     "1",
			"seller":      alice,
			"price":       p,
		}))
	}
	c, err := f.repos.Collections.GetByAddress(ctx, 1, nft)
	require.NoError(t, err)
	assert.Equal(t, "300", c.FloorPrice)
}

func TestListing_ProbeFailureDegrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prober.err = errors.New("connection refused")

	f.mustDeliver(f.listingCreated(100))

	l, err := f.repos.Listings.Get(ctx, listingHash)
	require.NoError(t, err)
	assert.Equal(t, models.TokenKindUnknown, l.TokenKind)

	f.prober.err = nil
	f.mustDeliver(f.event(models.EventOfferCreated, market, "", 0, 110, map[string]interface{}{
		"offerId": "0x00000000000000000000000000000000000000000000000000000000000000bb", "nftContract": nft,
		"tokenId": "7", "offerer": bob, "price": "900",
	}))
	offer, err := f.repos.Listings.Get(ctx, "0x00000000000000000000000000000000000000000000000000000000000000bb")
	require.NoError(t, err)
	assert.Equal(t, models.TokenKindERC721, offer.TokenKind, "未缓存的失败结果下次重新探测")

	c, err := f.repos.Collections.GetByAddress(ctx, 1, nft)
	require.NoError(t, err)
	assert.Equal(t, models.TokenKindERC721, c.Kind)
}

func TestBidPlaced_OnlyEventsAndActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, ts := range []uint64{100, 200, 300} {
		f.mustDeliver(f.event(models.EventBidPlaced, market, "", uint(i), ts, map[string]interface{}{
			"auctionId": "42", "bidder": bob, "amount": fmt.Sprint(1000 * (i + 1)),
		}))
	}

	events, err := f.events.ListByEventName(ctx, models.EventBidPlaced, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	acc, err := f.repos.Accounts.Get(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(300), acc.LastActiveAt)
	assert.Equal(t, int64(0), acc.TotalTrades)

	listings, err := f.repos.Listings.ListActive(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestAuction_Settled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustDeliver(f.event(models.EventAuctionCreated, market, "", 0, 100, map[string]interface{}{
		"auctionId": "42", "nftContract": nft, "tokenId": "7", "seller": alice,
		"startPrice": "100", "reservePrice": "150", "startTime": "100", "endTime": "200",
	}))
	id, err := identity.AuctionListingID("42")
	require.NoError(t, err)

	n, err := f.repos.Listings.ExpireBefore(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "拍卖不参与过期扫描")

	f.mustDeliver(f.event(models.EventAuctionSettled, market, "", 1, 250, map[string]interface{}{
		"auctionId": "42", "winner": bob, "seller": alice, "finalPrice": "300", "marketplaceFee": "6",
	}))

	l, err := f.repos.Listings.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusFilled, l.Status)
	assert.Equal(t, bob, l.Taker)

	trades, err := f.repos.Trades.ListByCollection(ctx, nft, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeKindAuctionSettlement, trades[0].Kind)
	assert.Equal(t, "300", trades[0].Price)
	assert.Equal(t, "7", trades[0].TokenID)

	seller, err := f.repos.Accounts.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "6", seller.FeesPaid)
}

func TestAuction_SettledWithoutWinnerCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustDeliver(f.event(models.EventAuctionCreated, market, "", 0, 100, map[string]interface{}{
		"auctionId": "7", "nftContract": nft, "tokenId": "1", "seller": alice, "startPrice": "100",
	}))
	f.mustDeliver(f.event(models.EventAuctionSettled, market, "", 0, 200, map[string]interface{}{
		"auctionId": "7", "winner": zero, "seller": alice,
	}))

	id, err := identity.AuctionListingID("7")
	require.NoError(t, err)
	l, err := f.repos.Listings.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusCancelled, l.Status)

	trades, err := f.repos.Trades.ListByCollection(ctx, nft, 0)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestOffer_Accepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offerID := "0x00000000000000000000000000000000000000000000000000000000000000cc"

	f.mustDeliver(f.event(models.EventOfferCreated, market, "", 0, 100, map[string]interface{}{
		"offerId": offerID, "nftContract": nft, "tokenId": "3", "offerer": bob, "price": "700",
	}))
	f.mustDeliver(f.event(models.EventOfferAccepted, market, "", 0, 200, map[string]interface{}{
		"offerId": offerID, "seller": alice, "offerer": bob, "nftContract": nft, "tokenId": "3",
		"price": "700", "marketplaceFee": "7",
	}))

	l, err := f.repos.Listings.Get(ctx, offerID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusFilled, l.Status)
	assert.Equal(t, models.ListingKindOffer, l.Kind)

	offerer, err := f.repos.Accounts.Get(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(1), offerer.MakerTrades)
	seller, err := f.repos.Accounts.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seller.TakerTrades)
	assert.Equal(t, "7", seller.FeesPaid)

	c, err := f.repos.Collections.GetByAddress(ctx, 1, nft)
	require.NoError(t, err)
	assert.Empty(t, c.FloorPrice, "报价不影响地板价")
}

func TestCollectionCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustDeliver(f.event(models.EventCollectionCreated, market, "", 0, 50, map[string]interface{}{
		"collection": nft, "creator": alice, "name": "Zuno", "symbol": "ZN",
		"maxSupply": "1000", "royaltyFee": 500, "royaltyRecipient": royaltyAddr,
	}))

	c, err := f.repos.Collections.GetByAddress(ctx, 1, nft)
	require.NoError(t, err)
	assert.Equal(t, "Zuno", c.Name)
	assert.Equal(t, models.TokenKindERC721, c.Kind, "参数缺省时探测")
	assert.Equal(t, uint64(500), c.RoyaltyBps)
	assert.Equal(t, alice, c.Creator)
	assert.Equal(t, "1000", c.MaxSupply)

	acc, err := f.repos.Accounts.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.CollectionsCreated)
}

func TestReplaySkipsCompletedSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustDeliver(f.listingCreated(100))

	buy := f.purchase(200)
	f.store.failUpdates(storage.TableCollections, 1)
	err := f.deliver(buy)
	require.Error(t, err)

	id, err := identity.EventID(buy.TransactionHash, buy.LogIndex)
	require.NoError(t, err)
	ev, err := f.events.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ev.Processed)
	assert.Contains(t, ev.Error, "database connection lost")

	unprocessed, err := f.events.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	f.mustDeliver(buy)

	ev, err = f.events.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Empty(t, ev.Error)

	seller, err := f.repos.Accounts.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seller.TotalTrades, "已完成的账户步骤不重复执行")

	c, err := f.repos.Collections.GetByAddress(ctx, 1, nft)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.TradeCount)

	trades, err := f.repos.Trades.ListByCollection(ctx, nft, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestMalformedArgsRejectedBeforeRecording(t *testing.T) {
	f := newFixture(t)
	err := f.deliver(f.event(models.EventListingCreated, market, "", 0, 1, map[string]interface{}{
		"listingId": listingHash, "nftContract": nft, "tokenId": "12abc", "seller": alice, "price": "1",
	}))
	require.Error(t, err)
	var ie *ierrors.IndexerError
	require.True(t, errors.As(err, &ie))
	assert.False(t, ie.IsRetryable())
	assert.Equal(t, 0, f.countEvents())
}

func (f *fixture) eventID(ev *models.DecodedEvent) string {
	id, err := identity.EventID(ev.TransactionHash, ev.LogIndex)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) assertSingleSale(ctx context.Context) {
	seller, err := f.repos.Accounts.Get(ctx, alice)
	require.NoError(f.t, err)
	assert.Equal(f.t, int64(1), seller.TotalTrades)
	buyer, err := f.repos.Accounts.Get(ctx, bob)
	require.NoError(f.t, err)
	assert.Equal(f.t, int64(1), buyer.TotalTrades)

	c, err := f.repos.Collections.GetByAddress(ctx, 1, nft)
	require.NoError(f.t, err)
	assert.Equal(f.t, int64(1), c.TradeCount)

	trades, err := f.repos.Trades.ListByCollection(ctx, nft, 0)
	require.NoError(f.t, err)
	assert.Len(f.t, trades, 1)
}

func TestRedeliveryAfterFailedMarkStillProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustDeliver(f.listingCreated(100))
	buy := f.purchase(200)
	id := f.eventID(buy)

	// 投影步骤与失败标记同时失败，事件行仍是 processed=true
	f.store.failUpdates(storage.TableCollections, 1)
	f.store.failUpdates(storage.TableEvents, 1)
	require.Error(t, f.deliver(buy))

	ev, err := f.events.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	done, err := f.events.Completed(ctx, id)
	require.NoError(t, err)
	assert.False(t, done)

	f.mustDeliver(buy)

	done, err = f.events.Completed(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)
	f.assertSingleSale(ctx)

	// 完成后再次投递不再执行任何步骤
	f.mustDeliver(buy)
	f.assertSingleSale(ctx)
}

func TestStepJournalFailureRollsBackStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustDeliver(f.listingCreated(100))
	buy := f.purchase(200)

	// 步骤本身写入成功但步骤日志写入失败，两者一起回滚
	f.store.failInserts(storage.TableProjectionSteps, 1)
	require.Error(t, f.deliver(buy))

	ev, err := f.events.Get(ctx, f.eventID(buy))
	require.NoError(t, err)
	assert.False(t, ev.Processed)

	f.mustDeliver(buy)
	f.assertSingleSale(ctx)
}

func TestTransferBatch_ChildFailureRedelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	erc1155 := "0x6666666666666666666666666666666666666666"

	second, err := identity.TokenID(1, erc1155, "2")
	require.NoError(t, err)
	f.store.failUpdates(storage.TableTokens+"/"+second, 1)

	batch := f.event(models.EventTransferBatch, erc1155, "", 4, 10, map[string]interface{}{
		"operator": alice, "from": zero, "to": bob,
		"ids":    []string{"1", "2", "3"},
		"values": []string{"10", "20", "30"},
	})
	require.Error(t, f.deliver(batch))

	unprocessed, err := f.events.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 2, "批量事件与失败的子事件")

	f.mustDeliver(batch)

	acc, err := f.repos.Accounts.Get(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "60", acc.NFTsMinted)
	assert.Equal(t, "60", acc.NFTsOwned)

	tok, err := f.repos.Tokens.GetByTokenID(ctx, 1, erc1155, "2")
	require.NoError(t, err)
	assert.Equal(t, "20", tok.Supply)

	c, err := f.repos.Collections.GetByAddress(ctx, 1, erc1155)
	require.NoError(t, err)
	assert.Equal(t, "60", c.MintedSupply)

	all, err := f.events.ListByBlockRange(ctx, 0, 1<<62)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for _, ev := range all {
		assert.True(t, ev.Processed, ev.ID)
	}
	unprocessed, err = f.events.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestFatalFailureTagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustDeliver(f.listingCreated(100))
	buy := f.purchase(200)
	f.store.failUpdatesWith(storage.TableCollections, 1, ierrors.Fatal(errors.New("check constraint violated")))
	require.Error(t, f.deliver(buy))

	ev, err := f.events.Get(ctx, f.eventID(buy))
	require.NoError(t, err)
	assert.False(t, ev.Processed)
	assert.True(t, ev.Fatal)
	assert.Contains(t, ev.Error, "check constraint violated")

	// 可重试的失败不带致命标记，重放成功后清除
	f.store.failUpdates(storage.TableCollections, 1)
	require.Error(t, f.deliver(buy))
	ev, err = f.events.Get(ctx, f.eventID(buy))
	require.NoError(t, err)
	assert.False(t, ev.Fatal)

	f.mustDeliver(buy)
	ev, err = f.events.Get(ctx, f.eventID(buy))
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.False(t, ev.Fatal)
	f.assertSingleSale(ctx)
}
