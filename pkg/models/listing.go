package models

// ListingStatus 挂单状态，除 ACTIVE 外均为终态
type ListingStatus string

const (
	ListingStatusActive    ListingStatus = "ACTIVE"
	ListingStatusFilled    ListingStatus = "FILLED"
	ListingStatusCancelled ListingStatus = "CANCELLED"
	ListingStatusExpired   ListingStatus = "EXPIRED"
)

// Terminal 是否为终态
func (s ListingStatus) Terminal() bool {
	return s != ListingStatusActive
}

// ListingKind 挂单类别：出售、报价、拍卖共用同一聚合
type ListingKind string

const (
	ListingKindListing ListingKind = "LISTING"
	ListingKindOffer   ListingKind = "OFFER"
	ListingKindAuction ListingKind = "AUCTION"
)

// Listing 挂单聚合
type Listing struct {
	ID              string        `json:"id"`
	Kind            ListingKind   `json:"kind"`
	ChainID         uint64        `json:"chain_id"`
	Maker           string        `json:"maker"`
	Taker           string        `json:"taker,omitempty"`
	Collection      string        `json:"collection"`
	TokenID         string        `json:"token_id"`
	TokenKind       TokenKind     `json:"token_kind"`
	Amount          string        `json:"amount"`
	FilledAmount    string        `json:"filled_amount"`
	Price           string        `json:"price"`
	ReservePrice    string        `json:"reserve_price,omitempty"`
	PaymentToken    string        `json:"payment_token"`
	Status          ListingStatus `json:"status"`
	FillPercent     int           `json:"fill_percent"`
	CreatedAt       int64         `json:"created_at"`
	ExpiresAt       int64         `json:"expires_at"` // 0 表示永不过期
	FilledAt        int64         `json:"filled_at,omitempty"`
	CancelledAt     int64         `json:"cancelled_at,omitempty"`
	ExpiredAt       int64         `json:"expired_at,omitempty"`
	BlockNumber     uint64        `json:"block_number"`
	TransactionHash string        `json:"transaction_hash"`
	LogIndex        uint          `json:"log_index"`
}

// TradeKind 成交类型
type TradeKind string

const (
	TradeKindSale              TradeKind = "SALE"
	TradeKindOfferAccepted     TradeKind = "OFFER_ACCEPTED"
	TradeKindAuctionSettlement TradeKind = "AUCTION_SETTLEMENT"
)

// Trade 成交记录，创建后不可变
type Trade struct {
	ID               string    `json:"id"` // txHash:logIndex
	Kind             TradeKind `json:"kind"`
	ChainID          uint64    `json:"chain_id"`
	Maker            string    `json:"maker"`
	Taker            string    `json:"taker"`
	Collection       string    `json:"collection"`
	TokenID          string    `json:"token_id"`
	TokenKind        TokenKind `json:"token_kind"`
	Amount           string    `json:"amount"`
	Price            string    `json:"price"`
	PaymentToken     string    `json:"payment_token"`
	MarketplaceFee   string    `json:"marketplace_fee"`
	RoyaltyAmount    string    `json:"royalty_amount"`
	RoyaltyRecipient string    `json:"royalty_recipient,omitempty"`
	ListingID        string    `json:"listing_id"`
	BlockNumber      uint64    `json:"block_number"`
	TransactionHash  string    `json:"transaction_hash"`
	TransactionIndex uint      `json:"transaction_index"`
	LogIndex         uint      `json:"log_index"`
	Timestamp        int64     `json:"timestamp"`
}
