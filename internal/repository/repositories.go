package repository

import (
	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
)

// Repositories 全部聚合仓储，共享同一存储句柄
type Repositories struct {
	Accounts    *AccountRepository
	Collections *CollectionRepository
	Tokens      *TokenRepository
	Listings    *ListingRepository
	Trades      *TradeRepository
}

// New 基于存储创建全部仓储
func New(store storage.Store, logger *logrus.Logger) *Repositories {
	return &Repositories{
		Accounts:    NewAccountRepository(store, logger),
		Collections: NewCollectionRepository(store, logger),
		Tokens:      NewTokenRepository(store, logger),
		Listings:    NewListingRepository(store, logger),
		Trades:      NewTradeRepository(store, logger),
	}
}
