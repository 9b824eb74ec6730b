package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
)

// DefaultQueryTimeout 单条非事务查询的超时
const DefaultQueryTimeout = 30 * time.Second

// PostgresConfig Postgres 连接配置
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore 以 JSONB 文档表实现的存储。
// Update 在事务内使用 SELECT ... FOR UPDATE 行锁串行化并发的读-改-写
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// querier *sql.DB 与 *sql.Tx 的公共部分
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgTxKey struct{}

type pgTx struct {
	owner *PostgresStore
	tx    *sql.Tx
}

// NewPostgresStore 连接数据库并建表
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	logger.Info("Postgres 存储已初始化")
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	for _, table := range Tables {
		stmt := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id         TEXT PRIMARY KEY,
				doc        JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, pq.QuoteIdentifier(table))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("创建表 %s 失败: %w", table, err)
		}
	}
	return nil
}

func (s *PostgresStore) activeTx(ctx context.Context) *sql.Tx {
	if v, ok := ctx.Value(pgTxKey{}).(pgTx); ok && v.owner == s {
		return v.tx
	}
	return nil
}

// conn 有活动事务时走事务连接
func (s *PostgresStore) conn(ctx context.Context) querier {
	if tx := s.activeTx(ctx); tx != nil {
		return tx
	}
	return s.db
}

// Tx 开启事务执行 fn，fn 成功后提交
func (s *PostgresStore) Tx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.activeTx(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pqError(err, "开启事务失败")
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, pgTxKey{}, pgTx{owner: s, tx: tx})); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return pqError(err, "提交事务失败")
	}
	return nil
}

// Get 读取文档
func (s *PostgresStore) Get(ctx context.Context, table, id string, out any) error {
	if err := checkTable(table); err != nil {
		return storageError(err, "")
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var raw []byte
	err := s.conn(ctx).QueryRowContext(ctx,
		fmt.Sprintf("SELECT doc FROM %s WHERE id = $1", pq.QuoteIdentifier(table)), id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return pqError(err, "读取文档失败")
	}
	return decode(raw, out)
}

// Insert 插入文档，主键冲突时返回 ErrDuplicate
func (s *PostgresStore) Insert(ctx context.Context, table, id string, doc any) error {
	if err := checkTable(table); err != nil {
		return storageError(err, "")
	}
	data, err := encode(doc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := s.conn(ctx).ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING", pq.QuoteIdentifier(table)),
		id, string(data),
	)
	if err != nil {
		return pqError(err, "插入文档失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pqError(err, "插入文档失败")
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Update 在事务内锁定行后执行读-改-写
func (s *PostgresStore) Update(ctx context.Context, table, id string, fn UpdateFunc) error {
	if err := checkTable(table); err != nil {
		return storageError(err, "")
	}
	return s.Tx(ctx, func(ctx context.Context) error {
		tx := s.activeTx(ctx)

		var current []byte
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT doc FROM %s WHERE id = $1 FOR UPDATE", pq.QuoteIdentifier(table)), id,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return pqError(err, "锁定文档失败")
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET doc = $2, updated_at = now() WHERE id = $1", pq.QuoteIdentifier(table)),
			id, string(next),
		); err != nil {
			return pqError(err, "更新文档失败")
		}
		return nil
	})
}

// Scan 按主键顺序遍历整表。先读完结果集再回调，事务内回调可继续使用同一连接
func (s *PostgresStore) Scan(ctx context.Context, table string, fn func(id string, raw []byte) error) error {
	if err := checkTable(table); err != nil {
		return storageError(err, "")
	}
	rows, err := s.conn(ctx).QueryContext(ctx,
		fmt.Sprintf("SELECT id, doc FROM %s ORDER BY id", pq.QuoteIdentifier(table)))
	if err != nil {
		return pqError(err, "扫描表失败")
	}

	type kv struct {
		id  string
		raw []byte
	}
	var all []kv
	for rows.Next() {
		var row kv
		if err := rows.Scan(&row.id, &row.raw); err != nil {
			rows.Close()
			return pqError(err, "读取行失败")
		}
		all = append(all, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return pqError(err, "扫描表失败")
	}

	for _, row := range all {
		if err := fn(row.id, row.raw); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭连接池
func (s *PostgresStore) Close() error {
	s.logger.Info("关闭 Postgres 存储")
	return s.db.Close()
}

// pqError 按 SQLSTATE 分类：数据类错误不可重试，其余视为可重试的存储错误
func pqError(err error, message string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return ierrors.WrapError(err, ierrors.ErrorTypeValidation, ierrors.SeverityHigh,
				"SQL_"+string(pqErr.Code), message)
		case "40":
			return ierrors.WrapError(err, ierrors.ErrorTypeConflict, ierrors.SeverityMedium,
				"SQL_"+string(pqErr.Code), message)
		}
	}
	return storageError(err, message)
}
