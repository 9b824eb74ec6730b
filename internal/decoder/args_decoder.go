// Package decoder 在入口处把事件参数载荷一次性解码为类型化参数
package decoder

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/identity"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

type decodeFunc func(f *fields) models.EventArgs

var decoders = map[string]decodeFunc{
	models.EventCollectionCreated: decodeCollectionCreated,
	models.EventTransfer:          decodeTransfer,
	models.EventTransferSingle:    decodeTransferSingle,
	models.EventTransferBatch:     decodeTransferBatch,
	models.EventListingCreated:    decodeListingCreated,
	models.EventListingCancelled:  decodeListingCancelled,
	models.EventNFTPurchased:      decodeNFTPurchased,
	models.EventOfferCreated:      decodeOfferCreated,
	models.EventOfferAccepted:     decodeOfferAccepted,
	models.EventOfferCancelled:    decodeOfferCancelled,
	models.EventAuctionCreated:    decodeAuctionCreated,
	models.EventBidPlaced:         decodeBidPlaced,
	models.EventAuctionSettled:    decodeAuctionSettled,
	models.EventAuctionCancelled:  decodeAuctionCancelled,
}

// Supported 是否支持该事件
func Supported(eventName string) bool {
	_, ok := decoders[eventName]
	return ok
}

// DecodeArgs 解码参数载荷。格式错误返回不可重试错误
func DecodeArgs(eventName string, raw json.RawMessage) (models.EventArgs, error) {
	fn, ok := decoders[eventName]
	if !ok {
		return nil, errors.NewIndexerError(errors.ErrorTypeUnknownEvent, errors.SeverityMedium,
			errors.ErrUnknownEvent.Code, "未注册的事件类型: "+eventName)
	}

	var values map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil || values == nil {
		return nil, errors.Malformed("%s 参数不是 JSON 对象", eventName)
	}

	f := &fields{event: eventName, values: values}
	args := fn(f)
	if f.err != nil {
		return nil, f.err
	}
	return args, nil
}

// Decode 解码调度器投递的事件为信封
func Decode(ev *models.DecodedEvent) (*models.Envelope, error) {
	if ev == nil {
		return nil, errors.Malformed("事件为空")
	}
	args, err := DecodeArgs(ev.EventName, ev.Args)
	if err != nil {
		if ie, ok := err.(*errors.IndexerError); ok {
			ie.WithTxHash(ev.TransactionHash).WithBlockNumber(ev.BlockNumber)
		}
		return nil, err
	}
	return &models.Envelope{Event: ev, Args: args}, nil
}

// fields 逐字段读取，记录第一个错误
type fields struct {
	event  string
	values map[string]json.RawMessage
	err    error
}

func (f *fields) fail(key, reason string) {
	if f.err == nil {
		f.err = errors.Malformed("%s.%s: %s", f.event, key, reason).WithContext("field", key)
	}
}

func (f *fields) raw(key string, required bool) (json.RawMessage, bool) {
	v, ok := f.values[key]
	if !ok || string(v) == "null" {
		if required {
			f.fail(key, "缺少字段")
		}
		return nil, false
	}
	return v, true
}

// scalar 读取字符串或数字形式的标量
func (f *fields) scalar(key string, required bool) (string, bool) {
	v, ok := f.raw(key, required)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s), true
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), true
	}
	f.fail(key, "不是字符串或数字")
	return "", false
}

func (f *fields) address(key string) string {
	s, ok := f.scalar(key, true)
	if !ok {
		return ""
	}
	addr, err := identity.NormalizeAddress(s)
	if err != nil {
		f.fail(key, "无效的地址")
		return ""
	}
	return addr
}

// optionalAddress 缺省时返回零地址
func (f *fields) optionalAddress(key string) string {
	if _, ok := f.raw(key, false); !ok {
		return identity.ZeroAddress
	}
	return f.address(key)
}

func (f *fields) hash(key string) string {
	s, ok := f.scalar(key, true)
	if !ok {
		return ""
	}
	h, err := identity.NormalizeHash(s)
	if err != nil {
		f.fail(key, "无效的 bytes32")
		return ""
	}
	return h
}

func parseUint256(s string) (*uint256.Int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, ok := new(big.Int).SetString(s[2:], 16)
		if !ok || b.Sign() < 0 {
			return nil, uint256.ErrSyntax
		}
		n, overflow := uint256.FromBig(b)
		if overflow {
			return nil, uint256.ErrBig256Range
		}
		return n, nil
	}
	return uint256.FromDecimal(s)
}

// uint 读取 uint256 并转为十进制字符串
func (f *fields) uint(key string) string {
	s, ok := f.scalar(key, true)
	if !ok {
		return ""
	}
	n, err := parseUint256(s)
	if err != nil {
		f.fail(key, "无效的 uint256")
		return ""
	}
	return n.Dec()
}

// optionalUint 缺省时返回 def
func (f *fields) optionalUint(key, def string) string {
	if _, ok := f.raw(key, false); !ok {
		return def
	}
	return f.uint(key)
}

// timestamp 读取 unix 秒，缺省为 0
func (f *fields) timestamp(key string) int64 {
	s, ok := f.scalar(key, false)
	if !ok {
		return 0
	}
	n, err := parseUint256(s)
	if err != nil || !n.IsUint64() || n.Uint64() > uint64(1<<62) {
		f.fail(key, "无效的时间戳")
		return 0
	}
	return int64(n.Uint64())
}

func (f *fields) text(key string) string {
	s, _ := f.scalar(key, false)
	return s
}

func (f *fields) uintList(key string) []string {
	v, ok := f.raw(key, true)
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		f.fail(key, "不是数组")
		return nil
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			var n json.Number
			if err := json.Unmarshal(item, &n); err != nil {
				f.fail(key, "第 "+strconv.Itoa(i)+" 项不是数字")
				return nil
			}
			s = n.String()
		}
		n, err := parseUint256(strings.TrimSpace(s))
		if err != nil {
			f.fail(key, "第 "+strconv.Itoa(i)+" 项不是 uint256")
			return nil
		}
		out = append(out, n.Dec())
	}
	return out
}

// tokenKind 接受 "ERC721"/"ERC1155" 或合约枚举值 0/1
func (f *fields) tokenKind(key string) models.TokenKind {
	s, ok := f.scalar(key, false)
	if !ok {
		return models.TokenKindUnknown
	}
	switch s {
	case "0":
		return models.TokenKindERC721
	case "1":
		return models.TokenKindERC1155
	}
	return models.ParseTokenKind(strings.ToUpper(s))
}

func (f *fields) bps(key string) uint64 {
	s, ok := f.scalar(key, false)
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n > 10000 {
		f.fail(key, "版税基点超出范围")
		return 0
	}
	return n
}

func decodeCollectionCreated(f *fields) models.EventArgs {
	return models.CollectionCreatedArgs{
		Collection:       f.address("collection"),
		Creator:          f.address("creator"),
		Name:             f.text("name"),
		Symbol:           f.text("symbol"),
		TokenType:        f.tokenKind("tokenType"),
		MaxSupply:        f.optionalUint("maxSupply", "0"),
		RoyaltyBps:       f.bps("royaltyFee"),
		RoyaltyRecipient: f.optionalAddress("royaltyRecipient"),
	}
}

func decodeTransfer(f *fields) models.EventArgs {
	return models.TransferArgs{
		From:    f.address("from"),
		To:      f.address("to"),
		TokenID: f.uint("tokenId"),
	}
}

func decodeTransferSingle(f *fields) models.EventArgs {
	return models.TransferSingleArgs{
		Operator: f.optionalAddress("operator"),
		From:     f.address("from"),
		To:       f.address("to"),
		ID:       f.uint("id"),
		Value:    f.uint("value"),
	}
}

func decodeTransferBatch(f *fields) models.EventArgs {
	args := models.TransferBatchArgs{
		Operator: f.optionalAddress("operator"),
		From:     f.address("from"),
		To:       f.address("to"),
		IDs:      f.uintList("ids"),
		Values:   f.uintList("values"),
	}
	if f.err == nil && len(args.IDs) != len(args.Values) {
		f.fail("values", "ids 与 values 长度不一致")
	}
	return args
}

func decodeListingCreated(f *fields) models.EventArgs {
	return models.ListingCreatedArgs{
		ListingID:    f.hash("listingId"),
		NFTContract:  f.address("nftContract"),
		TokenID:      f.uint("tokenId"),
		Seller:       f.address("seller"),
		Price:        f.uint("price"),
		Amount:       f.optionalUint("amount", "1"),
		PaymentToken: f.optionalAddress("paymentToken"),
		ExpiresAt:    f.timestamp("expiresAt"),
	}
}

func decodeListingCancelled(f *fields) models.EventArgs {
	return models.ListingCancelledArgs{
		ListingID: f.hash("listingId"),
		Seller:    f.optionalAddress("seller"),
	}
}

func decodeNFTPurchased(f *fields) models.EventArgs {
	return models.NFTPurchasedArgs{
		ListingID:        f.hash("listingId"),
		Buyer:            f.address("buyer"),
		Seller:           f.address("seller"),
		NFTContract:      f.address("nftContract"),
		TokenID:          f.uint("tokenId"),
		Price:            f.uint("price"),
		Amount:           f.optionalUint("amount", "1"),
		PaymentToken:     f.optionalAddress("paymentToken"),
		MarketplaceFee:   f.optionalUint("marketplaceFee", "0"),
		RoyaltyAmount:    f.optionalUint("royaltyAmount", "0"),
		RoyaltyRecipient: f.optionalAddress("royaltyRecipient"),
	}
}

func decodeOfferCreated(f *fields) models.EventArgs {
	return models.OfferCreatedArgs{
		OfferID:      f.hash("offerId"),
		NFTContract:  f.address("nftContract"),
		TokenID:      f.uint("tokenId"),
		Offerer:      f.address("offerer"),
		Price:        f.uint("price"),
		Amount:       f.optionalUint("amount", "1"),
		PaymentToken: f.optionalAddress("paymentToken"),
		ExpiresAt:    f.timestamp("expiresAt"),
	}
}

func decodeOfferAccepted(f *fields) models.EventArgs {
	return models.OfferAcceptedArgs{
		OfferID:          f.hash("offerId"),
		Seller:           f.address("seller"),
		Offerer:          f.address("offerer"),
		NFTContract:      f.address("nftContract"),
		TokenID:          f.uint("tokenId"),
		Price:            f.uint("price"),
		Amount:           f.optionalUint("amount", "1"),
		PaymentToken:     f.optionalAddress("paymentToken"),
		MarketplaceFee:   f.optionalUint("marketplaceFee", "0"),
		RoyaltyAmount:    f.optionalUint("royaltyAmount", "0"),
		RoyaltyRecipient: f.optionalAddress("royaltyRecipient"),
	}
}

func decodeOfferCancelled(f *fields) models.EventArgs {
	return models.OfferCancelledArgs{
		OfferID: f.hash("offerId"),
		Offerer: f.optionalAddress("offerer"),
	}
}

func decodeAuctionCreated(f *fields) models.EventArgs {
	return models.AuctionCreatedArgs{
		AuctionID:    f.uint("auctionId"),
		NFTContract:  f.address("nftContract"),
		TokenID:      f.uint("tokenId"),
		Seller:       f.address("seller"),
		StartPrice:   f.uint("startPrice"),
		ReservePrice: f.optionalUint("reservePrice", "0"),
		Amount:       f.optionalUint("amount", "1"),
		PaymentToken: f.optionalAddress("paymentToken"),
		StartTime:    f.timestamp("startTime"),
		EndTime:      f.timestamp("endTime"),
	}
}

func decodeBidPlaced(f *fields) models.EventArgs {
	return models.BidPlacedArgs{
		AuctionID: f.uint("auctionId"),
		Bidder:    f.address("bidder"),
		Amount:    f.uint("amount"),
	}
}

func decodeAuctionSettled(f *fields) models.EventArgs {
	return models.AuctionSettledArgs{
		AuctionID:        f.uint("auctionId"),
		Winner:           f.optionalAddress("winner"),
		Seller:           f.address("seller"),
		FinalPrice:       f.optionalUint("finalPrice", "0"),
		MarketplaceFee:   f.optionalUint("marketplaceFee", "0"),
		RoyaltyAmount:    f.optionalUint("royaltyAmount", "0"),
		RoyaltyRecipient: f.optionalAddress("royaltyRecipient"),
	}
}

func decodeAuctionCancelled(f *fields) models.EventArgs {
	return models.AuctionCancelledArgs{
		AuctionID: f.uint("auctionId"),
		Seller:    f.optionalAddress("seller"),
	}
}
