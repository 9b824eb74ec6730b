package models

// 事件名称
const (
	EventCollectionCreated = "CollectionCreated"
	EventTransfer          = "Transfer"
	EventTransferSingle    = "TransferSingle"
	EventTransferBatch     = "TransferBatch"
	EventListingCreated    = "ListingCreated"
	EventListingCancelled  = "ListingCancelled"
	EventNFTPurchased      = "NFTPurchased"
	EventOfferCreated      = "OfferCreated"
	EventOfferAccepted     = "OfferAccepted"
	EventOfferCancelled    = "OfferCancelled"
	EventAuctionCreated    = "AuctionCreated"
	EventBidPlaced         = "BidPlaced"
	EventAuctionSettled    = "AuctionSettled"
	EventAuctionCancelled  = "AuctionCancelled"
)

// EventArgs 每种事件的类型化参数。接口不对包外开放实现。
// 地址均已规范化为小写，数量与价格均为十进制字符串。
type EventArgs interface {
	EventName() string
	isEventArgs()
}

// CollectionCreatedArgs 合集工厂创建合集
type CollectionCreatedArgs struct {
	Collection       string
	Creator          string
	Name             string
	Symbol           string
	TokenType        TokenKind
	MaxSupply        string
	RoyaltyBps       uint64
	RoyaltyRecipient string
}

// TransferArgs ERC-721 转移
type TransferArgs struct {
	From    string
	To      string
	TokenID string
}

// TransferSingleArgs ERC-1155 单个转移
type TransferSingleArgs struct {
	Operator string
	From     string
	To       string
	ID       string
	Value    string
}

// TransferBatchArgs ERC-1155 批量转移，IDs 与 Values 长度一致
type TransferBatchArgs struct {
	Operator string
	From     string
	To       string
	IDs      []string
	Values   []string
}

// ListingCreatedArgs 出售挂单
type ListingCreatedArgs struct {
	ListingID    string
	NFTContract  string
	TokenID      string
	Seller       string
	Price        string
	Amount       string
	PaymentToken string
	ExpiresAt    int64
}

// ListingCancelledArgs 取消挂单
type ListingCancelledArgs struct {
	ListingID string
	Seller    string
}

// NFTPurchasedArgs 购买成交
type NFTPurchasedArgs struct {
	ListingID        string
	Buyer            string
	Seller           string
	NFTContract      string
	TokenID          string
	Price            string
	Amount           string
	PaymentToken     string
	MarketplaceFee   string
	RoyaltyAmount    string
	RoyaltyRecipient string
}

// OfferCreatedArgs 报价
type OfferCreatedArgs struct {
	OfferID      string
	NFTContract  string
	TokenID      string
	Offerer      string
	Price        string
	Amount       string
	PaymentToken string
	ExpiresAt    int64
}

// OfferAcceptedArgs 接受报价
type OfferAcceptedArgs struct {
	OfferID          string
	Seller           string
	Offerer          string
	NFTContract      string
	TokenID          string
	Price            string
	Amount           string
	PaymentToken     string
	MarketplaceFee   string
	RoyaltyAmount    string
	RoyaltyRecipient string
}

// OfferCancelledArgs 取消报价
type OfferCancelledArgs struct {
	OfferID string
	Offerer string
}

// AuctionCreatedArgs 创建拍卖，AuctionID 为十进制数字
type AuctionCreatedArgs struct {
	AuctionID    string
	NFTContract  string
	TokenID      string
	Seller       string
	StartPrice   string
	ReservePrice string
	Amount       string
	PaymentToken string
	StartTime    int64
	EndTime      int64
}

// BidPlacedArgs 出价
type BidPlacedArgs struct {
	AuctionID string
	Bidder    string
	Amount    string
}

// AuctionSettledArgs 拍卖结算，Winner 为零地址表示流拍
type AuctionSettledArgs struct {
	AuctionID        string
	Winner           string
	Seller           string
	FinalPrice       string
	MarketplaceFee   string
	RoyaltyAmount    string
	RoyaltyRecipient string
}

// AuctionCancelledArgs 取消拍卖
type AuctionCancelledArgs struct {
	AuctionID string
	Seller    string
}

func (CollectionCreatedArgs) EventName() string { return EventCollectionCreated }
func (TransferArgs) EventName() string          { return EventTransfer }
func (TransferSingleArgs) EventName() string    { return EventTransferSingle }
func (TransferBatchArgs) EventName() string     { return EventTransferBatch }
func (ListingCreatedArgs) EventName() string    { return EventListingCreated }
func (ListingCancelledArgs) EventName() string  { return EventListingCancelled }
func (NFTPurchasedArgs) EventName() string      { return EventNFTPurchased }
func (OfferCreatedArgs) EventName() string      { return EventOfferCreated }
func (OfferAcceptedArgs) EventName() string     { return EventOfferAccepted }
func (OfferCancelledArgs) EventName() string    { return EventOfferCancelled }
func (AuctionCreatedArgs) EventName() string    { return EventAuctionCreated }
func (BidPlacedArgs) EventName() string         { return EventBidPlaced }
func (AuctionSettledArgs) EventName() string    { return EventAuctionSettled }
func (AuctionCancelledArgs) EventName() string  { return EventAuctionCancelled }

func (CollectionCreatedArgs) isEventArgs() {}
func (TransferArgs) isEventArgs()          {}
func (TransferSingleArgs) isEventArgs()    {}
func (TransferBatchArgs) isEventArgs()     {}
func (ListingCreatedArgs) isEventArgs()    {}
func (ListingCancelledArgs) isEventArgs()  {}
func (NFTPurchasedArgs) isEventArgs()      {}
func (OfferCreatedArgs) isEventArgs()      {}
func (OfferAcceptedArgs) isEventArgs()     {}
func (OfferCancelledArgs) isEventArgs()    {}
func (AuctionCreatedArgs) isEventArgs()    {}
func (BidPlacedArgs) isEventArgs()         {}
func (AuctionSettledArgs) isEventArgs()    {}
func (AuctionCancelledArgs) isEventArgs()  {}
