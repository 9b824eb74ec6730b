package models

import (
	"encoding/json"
	"time"
)

// DecodedEvent 调度器投递的已解码链上日志
type DecodedEvent struct {
	EventName        string          `json:"eventName"`
	ContractAddress  string          `json:"contractAddress"`
	ContractName     string          `json:"contractName,omitempty"`
	ChainID          uint64          `json:"chainId"`
	BlockNumber      uint64          `json:"blockNumber"`
	BlockTimestamp   uint64          `json:"blockTimestamp"`
	TransactionHash  string          `json:"transactionHash"`
	TransactionIndex uint            `json:"transactionIndex"`
	LogIndex         uint            `json:"logIndex"`
	From             string          `json:"from,omitempty"` // 交易发起方
	To               string          `json:"to,omitempty"`   // 交易目标地址
	Args             json.RawMessage `json:"args"`
}

// Provenance 事件的链上来源信息
type Provenance struct {
	ChainID          uint64
	BlockNumber      uint64
	BlockTimestamp   uint64
	TransactionHash  string
	TransactionIndex uint
	LogIndex         uint
	From             string
	To               string
}

// Provenance 提取来源信息
func (e *DecodedEvent) Provenance() Provenance {
	return Provenance{
		ChainID:          e.ChainID,
		BlockNumber:      e.BlockNumber,
		BlockTimestamp:   e.BlockTimestamp,
		TransactionHash:  e.TransactionHash,
		TransactionIndex: e.TransactionIndex,
		LogIndex:         e.LogIndex,
		From:             e.From,
		To:               e.To,
	}
}

// Envelope 在入口处解码一次后的事件：原始记录 + 类型化参数
type Envelope struct {
	Event *DecodedEvent
	Args  EventArgs
}

// Event 事件日志表中的不可变记录
type Event struct {
	ID               string          `json:"id"` // txHash:logIndex
	EventName        string          `json:"event_name"`
	ContractAddress  string          `json:"contract_address"`
	ContractName     string          `json:"contract_name,omitempty"`
	Args             json.RawMessage `json:"args"`
	ChainID          uint64          `json:"chain_id"`
	BlockNumber      uint64          `json:"block_number"`
	BlockTimestamp   uint64          `json:"block_timestamp"`
	TransactionHash  string          `json:"transaction_hash"`
	TransactionIndex uint            `json:"transaction_index"`
	LogIndex         uint            `json:"log_index"`
	From             string          `json:"from,omitempty"`
	To               string          `json:"to,omitempty"`
	Processed        bool            `json:"processed"`
	Error            string          `json:"error,omitempty"`
	Fatal            bool            `json:"fatal,omitempty"` // 不可重试的失败，不参与自动重放
	CreatedAt        time.Time       `json:"created_at"`
}
