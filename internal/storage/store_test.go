package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStore_InsertGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, TableAccounts, "a", counter{ID: "a", Value: 1}))

	var got counter
	require.NoError(t, s.Get(ctx, TableAccounts, "a", &got))
	assert.Equal(t, 1, got.Value)

	err := s.Insert(ctx, TableAccounts, "a", counter{ID: "a", Value: 2})
	assert.True(t, errors.Is(err, ErrDuplicate))

	// 冲突插入不覆盖原值
	require.NoError(t, s.Get(ctx, TableAccounts, "a", &got))
	assert.Equal(t, 1, got.Value)

	err = s.Get(ctx, TableAccounts, "missing", &got)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBoltStore_UnknownTable(t *testing.T) {
	s := newTestStore(t)
	err := s.Insert(context.Background(), "nope", "a", counter{})
	assert.True(t, errors.Is(err, ErrUnknownTable))
}

func TestBoltStore_Update(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, TableTokens, "t", counter{ID: "t"}))

	got, err := Mutate(ctx, s, TableTokens, "t", func(c *counter) (bool, error) {
		c.Value += 5
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, got.Value)

	// 不写入
	got, err = Mutate(ctx, s, TableTokens, "t", func(c *counter) (bool, error) {
		c.Value = 100
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 100, got.Value)

	var stored counter
	require.NoError(t, s.Get(ctx, TableTokens, "t", &stored))
	assert.Equal(t, 5, stored.Value)

	// 回调错误原样返回
	boom := errors.New("boom")
	_, err = Mutate(ctx, s, TableTokens, "t", func(c *counter) (bool, error) { return false, boom })
	assert.Same(t, boom, err)

	_, err = Mutate(ctx, s, TableTokens, "missing", func(c *counter) (bool, error) { return true, nil })
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBoltStore_ConcurrentMutate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, TableAccounts, "x", counter{ID: "x"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Mutate(ctx, s, TableAccounts, "x", func(c *counter) (bool, error) {
				c.Value++
				return true, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var got counter
	require.NoError(t, s.Get(ctx, TableAccounts, "x", &got))
	assert.Equal(t, 50, got.Value)
}

func TestBoltStore_Scan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.Insert(ctx, TableTrades, id, counter{ID: id, Value: len(id)}))
	}

	var ids []string
	require.NoError(t, s.Scan(ctx, TableTrades, func(id string, raw []byte) error {
		ids = append(ids, id)
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	docs, err := ScanAll(ctx, s, TableTrades, func(c *counter) bool { return c.ID != "b" })
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "c", docs[1].ID)
}

func TestBoltStore_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Insert(ctx, TableEvents, "a", counter{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBoltStore_TxCommitsAcrossTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, TableAccounts, "a", counter{ID: "a"}))

	err := s.Tx(ctx, func(ctx context.Context) error {
		if _, err := Mutate(ctx, s, TableAccounts, "a", func(c *counter) (bool, error) {
			c.Value++
			return true, nil
		}); err != nil {
			return err
		}
		// 事务内可读到未提交的写入
		var inTx counter
		require.NoError(t, s.Get(ctx, TableAccounts, "a", &inTx))
		assert.Equal(t, 1, inTx.Value)

		all, err := ScanAll[counter](ctx, s, TableAccounts, nil)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		// 嵌套调用复用同一事务
		return s.Tx(ctx, func(ctx context.Context) error {
			return s.Insert(ctx, TableProjectionSteps, "e#a", counter{ID: "e#a"})
		})
	})
	require.NoError(t, err)

	var got counter
	require.NoError(t, s.Get(ctx, TableAccounts, "a", &got))
	assert.Equal(t, 1, got.Value)
	require.NoError(t, s.Get(ctx, TableProjectionSteps, "e#a", &got))
}

func TestBoltStore_TxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, TableAccounts, "a", counter{ID: "a"}))

	boom := errors.New("boom")
	err := s.Tx(ctx, func(ctx context.Context) error {
		_, err := Mutate(ctx, s, TableAccounts, "a", func(c *counter) (bool, error) {
			c.Value = 5
			return true, nil
		})
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, TableProjectionSteps, "e#a", counter{ID: "e#a"}))
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	var got counter
	require.NoError(t, s.Get(ctx, TableAccounts, "a", &got))
	assert.Equal(t, 0, got.Value, "失败的事务不留下写入")
	err = s.Get(ctx, TableProjectionSteps, "e#a", &got)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBoltStore_TxDuplicateInsideTx(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Tx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.Insert(ctx, TableAccounts, "a", counter{ID: "a", Value: 1}))
		dup := s.Insert(ctx, TableAccounts, "a", counter{ID: "a", Value: 2})
		assert.True(t, errors.Is(dup, ErrDuplicate))
		return nil
	})
	require.NoError(t, err)

	var got counter
	require.NoError(t, s.Get(ctx, TableAccounts, "a", &got))
	assert.Equal(t, 1, got.Value)
}
