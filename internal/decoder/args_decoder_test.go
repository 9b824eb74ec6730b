package decoder

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

const (
	seller   = "0x1111111111111111111111111111111111111111"
	buyer    = "0x2222222222222222222222222222222222222222"
	contract = "0x3333333333333333333333333333333333333333"
	orderID  = "0x00000000000000000000000000000000000000000000000000000000000000aa"
)

func TestDecodeArgs_ListingCreated(t *testing.T) {
	raw := json.RawMessage(`{
		"listingId": "0x00000000000000000000000000000000000000000000000000000000000000AA",
		"nftContract": "0x3333333333333333333333333333333333333333",
		"tokenId": 42,
		"seller": "0x1111111111111111111111111111111111111111",
		"price": "1000000000000000000",
		"expiresAt": "1700000000"
	}`)

	args, err := DecodeArgs(models.EventListingCreated, raw)
	require.NoError(t, err)

	got, ok := args.(models.ListingCreatedArgs)
	require.True(t, ok)
	assert.Equal(t, orderID, got.ListingID)
	assert.Equal(t, "42", got.TokenID)
	assert.Equal(t, "1000000000000000000", got.Price)
	assert.Equal(t, "1", got.Amount, "缺省数量为 1")
	assert.Equal(t, identity.ZeroAddress, got.PaymentToken)
	assert.Equal(t, int64(1700000000), got.ExpiresAt)
	assert.Equal(t, models.EventListingCreated, got.EventName())
}

func TestDecodeArgs_HexAndLargeNumbers(t *testing.T) {
	raw := json.RawMessage(`{"from":"` + seller + `","to":"` + buyer + `","tokenId":"0xff"}`)
	args, err := DecodeArgs(models.EventTransfer, raw)
	require.NoError(t, err)
	assert.Equal(t, "255", args.(models.TransferArgs).TokenID)

	max := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	raw = json.RawMessage(`{"from":"` + seller + `","to":"` + buyer + `","tokenId":` + max + `}`)
	args, err = DecodeArgs(models.EventTransfer, raw)
	require.NoError(t, err)
	assert.Equal(t, max, args.(models.TransferArgs).TokenID)
}

func TestDecodeArgs_TransferBatch(t *testing.T) {
	raw := json.RawMessage(`{"operator":"` + seller + `","from":"` + seller + `","to":"` + buyer + `","ids":["1",2,"0x3"],"values":[10,"20",30]}`)
	args, err := DecodeArgs(models.EventTransferBatch, raw)
	require.NoError(t, err)

	batch := args.(models.TransferBatchArgs)
	assert.Equal(t, []string{"1", "2", "3"}, batch.IDs)
	assert.Equal(t, []string{"10", "20", "30"}, batch.Values)

	raw = json.RawMessage(`{"from":"` + seller + `","to":"` + buyer + `","ids":["1"],"values":[]}`)
	_, err = DecodeArgs(models.EventTransferBatch, raw)
	assert.True(t, errors.Is(err, ierrors.ErrMalformedPayload))
}

func TestDecodeArgs_CollectionCreated(t *testing.T) {
	raw := json.RawMessage(`{"collection":"` + contract + `","creator":"` + seller + `","name":"Zuno","symbol":"ZN","tokenType":1,"maxSupply":"1000","royaltyFee":250,"royaltyRecipient":"` + seller + `"}`)
	args, err := DecodeArgs(models.EventCollectionCreated, raw)
	require.NoError(t, err)

	got := args.(models.CollectionCreatedArgs)
	assert.Equal(t, models.TokenKindERC1155, got.TokenType)
	assert.Equal(t, uint64(250), got.RoyaltyBps)
	assert.Equal(t, "1000", got.MaxSupply)

	raw = json.RawMessage(`{"collection":"` + contract + `","creator":"` + seller + `","tokenType":"erc721"}`)
	args, err = DecodeArgs(models.EventCollectionCreated, raw)
	require.NoError(t, err)
	assert.Equal(t, models.TokenKindERC721, args.(models.CollectionCreatedArgs).TokenType)
}

func TestDecodeArgs_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		event string
		raw   string
	}{
		{"not an object", models.EventTransfer, `[1,2]`},
		{"invalid json", models.EventTransfer, `{`},
		{"missing field", models.EventTransfer, `{"from":"` + seller + `","to":"` + buyer + `"}`},
		{"bad address", models.EventTransfer, `{"from":"0x12","to":"` + buyer + `","tokenId":1}`},
		{"negative", models.EventTransfer, `{"from":"` + seller + `","to":"` + buyer + `","tokenId":-1}`},
		{"overflow", models.EventTransfer, `{"from":"` + seller + `","to":"` + buyer + `","tokenId":"115792089237316195423570985008687907853269984665640564039457584007913129639936"}`},
		{"bad listing id", models.EventListingCancelled, `{"listingId":"0x1234"}`},
		{"royalty too high", models.EventCollectionCreated, `{"collection":"` + contract + `","creator":"` + seller + `","royaltyFee":10001}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeArgs(tt.event, json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ierrors.ErrMalformedPayload))

			var ie *ierrors.IndexerError
			require.True(t, errors.As(err, &ie))
			assert.False(t, ie.IsRetryable())
		})
	}
}

func TestDecodeArgs_UnknownEvent(t *testing.T) {
	_, err := DecodeArgs("Approval", json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, ierrors.ErrUnknownEvent))
	assert.False(t, Supported("Approval"))
	assert.True(t, Supported(models.EventBidPlaced))
}

func TestDecode_Envelope(t *testing.T) {
	ev := &models.DecodedEvent{
		EventName:       models.EventBidPlaced,
		TransactionHash: "0xabc",
		BlockNumber:     9,
		Args:            json.RawMessage(`{"auctionId":"7","bidder":"` + buyer + `","amount":"5"}`),
	}
	env, err := Decode(ev)
	require.NoError(t, err)
	assert.Same(t, ev, env.Event)
	assert.Equal(t, models.BidPlacedArgs{AuctionID: "7", Bidder: buyer, Amount: "5"}, env.Args)

	ev.Args = json.RawMessage(`{"auctionId":"7"}`)
	_, err = Decode(ev)
	var ie *ierrors.IndexerError
	require.True(t, errors.As(err, &ie))
	require.NotNil(t, ie.TxHash)
	assert.Equal(t, "0xabc", *ie.TxHash)
	assert.Equal(t, "bidder", ie.Context["field"])
}
