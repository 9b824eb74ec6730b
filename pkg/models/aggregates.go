package models

// TokenKind 代币合约标准
type TokenKind string

const (
	TokenKindERC721  TokenKind = "ERC721"
	TokenKindERC1155 TokenKind = "ERC1155"
	TokenKindUnknown TokenKind = "UNKNOWN"
)

// ParseTokenKind 解析代币标准字符串，无法识别时返回 UNKNOWN
func ParseTokenKind(s string) TokenKind {
	switch s {
	case "ERC721", "erc721", "721":
		return TokenKindERC721
	case "ERC1155", "erc1155", "1155":
		return TokenKindERC1155
	default:
		return TokenKindUnknown
	}
}

// Known 是否为已确定的标准
func (k TokenKind) Known() bool {
	return k == TokenKindERC721 || k == TokenKindERC1155
}

// Account 账户聚合（全局，不区分链）
type Account struct {
	Address            string `json:"address"`
	TotalTrades        int64  `json:"total_trades"`
	MakerTrades        int64  `json:"maker_trades"`
	TakerTrades        int64  `json:"taker_trades"`
	TotalVolume        string `json:"total_volume"`
	NFTsMinted         string `json:"nfts_minted"`
	NFTsOwned          string `json:"nfts_owned"`
	CollectionsCreated int64  `json:"collections_created"`
	FeesEarned         string `json:"fees_earned"`
	FeesPaid           string `json:"fees_paid"`
	FirstSeenAt        int64  `json:"first_seen_at"`
	LastActiveAt       int64  `json:"last_active_at"`
}

// Collection 合集聚合
type Collection struct {
	ID               string    `json:"id"`
	ChainID          uint64    `json:"chain_id"`
	Address          string    `json:"address"`
	Kind             TokenKind `json:"kind"`
	Name             string    `json:"name,omitempty"`
	Symbol           string    `json:"symbol,omitempty"`
	Creator          string    `json:"creator,omitempty"`
	Owner            string    `json:"owner,omitempty"`
	RoyaltyBps       uint64    `json:"royalty_bps"`
	RoyaltyRecipient string    `json:"royalty_recipient,omitempty"`
	MaxSupply        string    `json:"max_supply"`
	TotalSupply      string    `json:"total_supply"`
	MintedSupply     string    `json:"minted_supply"`
	BurnedSupply     string    `json:"burned_supply"`
	TradeCount       int64     `json:"trade_count"`
	TotalVolume      string    `json:"total_volume"`
	FloorPrice       string    `json:"floor_price,omitempty"` // 为空表示尚无地板价
	IsVerified       bool      `json:"is_verified"`
	IsActive         bool      `json:"is_active"`
	CreatedAtBlock   uint64    `json:"created_at_block"`
	CreatedAtTx      string    `json:"created_at_tx,omitempty"`
	CreatedAt        int64     `json:"created_at"`
	UpdatedAt        int64     `json:"updated_at"`
}

// Token 代币聚合
type Token struct {
	ID                   string    `json:"id"`
	ChainID              uint64    `json:"chain_id"`
	Collection           string    `json:"collection"`
	TokenID              string    `json:"token_id"`
	Kind                 TokenKind `json:"kind"`
	Owner                string    `json:"owner"`
	Minter               string    `json:"minter"`
	Supply               string    `json:"supply"`
	TradeCount           int64     `json:"trade_count"`
	LastSalePrice        string    `json:"last_sale_price,omitempty"`
	LastSalePaymentToken string    `json:"last_sale_payment_token,omitempty"`
	LastSaleAt           int64     `json:"last_sale_at,omitempty"`
	LastTransferAt       int64     `json:"last_transfer_at"`
	IsBurned             bool      `json:"is_burned"`
	MintBlock            uint64    `json:"mint_block"`
	MintTx               string    `json:"mint_tx"`
	MintedAt             int64     `json:"minted_at"`
}
