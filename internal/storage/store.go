// Package storage 通用结构化存储：按标识读取、唯一键插入、带条件的原子更新与全表扫描
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
)

// 表名
const (
	TableEvents          = "events"
	TableAccounts        = "accounts"
	TableCollections     = "collections"
	TableTokens          = "tokens"
	TableListings        = "listings"
	TableTrades          = "trades"
	TableProjectionSteps = "projection_steps"
	TableChainProgress   = "chain_progress"
)

// Tables 全部表
var Tables = []string{
	TableEvents,
	TableAccounts,
	TableCollections,
	TableTokens,
	TableListings,
	TableTrades,
	TableProjectionSteps,
	TableChainProgress,
}

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("记录不存在")
	// ErrDuplicate 唯一键冲突
	ErrDuplicate = errors.New("记录已存在")
	// ErrUnknownTable 未知表名
	ErrUnknownTable = errors.New("未知的表")
)

// UpdateFunc 接收当前文档，返回新文档；返回 nil 表示不写入
type UpdateFunc func(current []byte) ([]byte, error)

// Store 存储接口。Update 在引擎内部原子执行读-改-写。
// Tx 把 fn 内经由传入 ctx 的全部读写放进同一事务，fn 返回错误时整体回滚；已在事务中时直接复用
type Store interface {
	Get(ctx context.Context, table, id string, out any) error
	Insert(ctx context.Context, table, id string, doc any) error
	Update(ctx context.Context, table, id string, fn UpdateFunc) error
	Scan(ctx context.Context, table string, fn func(id string, raw []byte) error) error
	Tx(ctx context.Context, fn func(ctx context.Context) error) error
	Close() error
}

func checkTable(table string) error {
	for _, t := range Tables {
		if t == table {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownTable, table)
}

func encode(doc any) ([]byte, error) {
	if raw, ok := doc.([]byte); ok {
		return raw, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, ierrors.WrapError(err, ierrors.ErrorTypeSerialization, ierrors.SeverityHigh,
			"ENCODE_FAILED", "文档序列化失败")
	}
	return data, nil
}

func decode(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return ierrors.WrapError(err, ierrors.ErrorTypeSerialization, ierrors.SeverityHigh,
			"DECODE_FAILED", "文档反序列化失败")
	}
	return nil
}

// storageError 包装引擎错误为可重试的存储错误
func storageError(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) {
		return err
	}
	if errors.Is(err, ErrUnknownTable) {
		return ierrors.Fatal(err)
	}
	var ie *ierrors.IndexerError
	if errors.As(err, &ie) {
		return err
	}
	return ierrors.WrapError(err, ierrors.ErrorTypeStorage, ierrors.SeverityHigh,
		ierrors.ErrStorageUnavailable.Code, message)
}

// Mutate 在一次原子更新中读取、修改并写回类型化文档。
// fn 返回 false 时不写入。返回更新后（或未变化）的文档。
func Mutate[T any](ctx context.Context, s Store, table, id string, fn func(doc *T) (bool, error)) (*T, error) {
	var result T
	err := s.Update(ctx, table, id, func(current []byte) ([]byte, error) {
		var doc T
		if err := decode(current, &doc); err != nil {
			return nil, err
		}
		changed, err := fn(&doc)
		if err != nil {
			return nil, err
		}
		result = doc
		if !changed {
			return nil, nil
		}
		return encode(doc)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ScanAll 扫描整表并解码为类型化文档，keep 返回 false 的文档被跳过
func ScanAll[T any](ctx context.Context, s Store, table string, keep func(doc *T) bool) ([]*T, error) {
	var out []*T
	err := s.Scan(ctx, table, func(id string, raw []byte) error {
		var doc T
		if err := decode(raw, &doc); err != nil {
			return fmt.Errorf("解码 %s/%s 失败: %w", table, id, err)
		}
		if keep == nil || keep(&doc) {
			out = append(out, &doc)
		}
		return nil
	})
	return out, err
}
