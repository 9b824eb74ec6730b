package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// DefaultBoltPath 默认数据库路径
const DefaultBoltPath = "./data/indexer.db"

// BoltStore 基于 BoltDB 的存储，每张表一个存储桶。
// 写事务全局串行，Update 的读-改-写因此天然原子
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	path   string
}

type boltTxKey struct{}

// boltTx 绑定在 ctx 上的写事务
type boltTx struct {
	owner *BoltStore
	tx    *bolt.Tx
}

// NewBoltStore 打开或创建数据库
func NewBoltStore(path string, logger *logrus.Logger) (*BoltStore, error) {
	if path == "" {
		path = DefaultBoltPath
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	s := &BoltStore{db: db, logger: logger, path: path}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("BoltDB 存储已初始化，数据库路径: %s", path)
	return s, nil
}

// initDB 创建全部存储桶
func (s *BoltStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, table := range Tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", table, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) activeTx(ctx context.Context) *bolt.Tx {
	if v, ok := ctx.Value(boltTxKey{}).(boltTx); ok && v.owner == s {
		return v.tx
	}
	return nil
}

// view 有活动事务时复用，否则开只读事务
func (s *BoltStore) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if tx := s.activeTx(ctx); tx != nil {
		return fn(tx)
	}
	return s.db.View(fn)
}

func (s *BoltStore) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if tx := s.activeTx(ctx); tx != nil {
		return fn(tx)
	}
	return s.db.Update(fn)
}

// Tx 在单个写事务内执行 fn。fn 内不得使用其他 ctx 访问同一数据库，否则会等待写锁
func (s *BoltStore) Tx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.activeTx(ctx) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		fnErr = fn(context.WithValue(ctx, boltTxKey{}, boltTx{owner: s, tx: tx}))
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return storageError(err, "提交事务失败")
}

func (s *BoltStore) bucket(tx *bolt.Tx, table string) (*bolt.Bucket, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	b := tx.Bucket([]byte(table))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return b, nil
}

// Get 读取文档
func (s *BoltStore) Get(ctx context.Context, table, id string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var raw []byte
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, table)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		raw = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return storageError(err, "读取文档失败")
	}
	return decode(raw, out)
}

// Insert 插入文档，标识已存在时返回 ErrDuplicate
func (s *BoltStore) Insert(ctx context.Context, table, id string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(doc)
	if err != nil {
		return err
	}
	err = s.update(ctx, func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, table)
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) != nil {
			return ErrDuplicate
		}
		return b.Put([]byte(id), data)
	})
	return storageError(err, "插入文档失败")
}

// Update 在单个写事务内执行读-改-写
func (s *BoltStore) Update(ctx context.Context, table, id string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, table)
		if err != nil {
			return err
		}
		current := b.Get([]byte(id))
		if current == nil {
			return ErrNotFound
		}
		next, err := fn(append([]byte(nil), current...))
		if err != nil {
			fnErr = err
			return err
		}
		if next == nil {
			return nil
		}
		return b.Put([]byte(id), next)
	})
	if fnErr != nil {
		return fnErr
	}
	return storageError(err, "更新文档失败")
}

// Scan 按键顺序遍历整表。回调在遍历结束后执行，可安全写回存储
func (s *BoltStore) Scan(ctx context.Context, table string, fn func(id string, raw []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	type kv struct {
		id  string
		raw []byte
	}
	var rows []kv
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, table)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			rows = append(rows, kv{id: string(k), raw: append([]byte(nil), v...)})
			return nil
		})
	})
	if err != nil {
		return storageError(err, "扫描表失败")
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row.id, row.raw); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭数据库
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Info("关闭 BoltDB 存储")
	return s.db.Close()
}

// Path 数据库文件路径
func (s *BoltStore) Path() string {
	return s.path
}
