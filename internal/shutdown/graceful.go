package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout 默认停机超时
const DefaultTimeout = 30 * time.Second

// 停机顺序，数字越小越早执行
const (
	OrderStopConsumer    = 10 // 停止消费，不再接收新事件
	OrderFlushDeadLetter = 20 // 关闭死信外部镜像
	OrderCloseClients    = 30 // 关闭 RPC、Redis 等外部客户端
	OrderCloseStore      = 40 // 关闭存储
	OrderFlushTelemetry  = 50 // 刷新追踪数据
)

// Hook 停机处理函数
type Hook struct {
	Name  string
	Order int
	Func  func(ctx context.Context) error
}

// Manager 优雅停机管理器
type Manager struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu    sync.Mutex
	hooks []Hook

	signals chan os.Signal
	ctx     context.Context
	cancel  context.CancelFunc

	once sync.Once
	err  error
}

// New 创建停机管理器，返回的 Context 在收到 SIGINT/SIGTERM/SIGQUIT 时取消
func New(timeout time.Duration, logger *logrus.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		timeout: timeout,
		signals: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register 注册停机处理函数
func (m *Manager) Register(name string, order int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Order: order, Func: fn})
	m.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Listen 开始监听信号
func (m *Manager) Listen() context.Context {
	signal.Notify(m.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-m.signals:
			m.logger.Infof("收到停机信号: %v", sig)
			m.cancel()
		case <-m.ctx.Done():
		}
		signal.Stop(m.signals)
	}()
	return m.ctx
}

// Context 运行上下文
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Hooks 已注册的处理函数名，按执行顺序
func (m *Manager) Hooks() []string {
	hooks := m.sorted()
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name
	}
	return names
}

func (m *Manager) sorted() []Hook {
	m.mu.Lock()
	defer m.mu.Unlock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })
	return hooks
}

// Shutdown 按顺序执行所有处理函数，只执行一次；单个失败不影响后续步骤，超时后跳过剩余步骤
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.cancel()
		m.err = m.run()
	})
	return m.err
}

func (m *Manager) run() error {
	m.logger.Info("开始优雅停机流程...")
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for _, h := range m.sorted() {
		if ctx.Err() != nil {
			m.logger.Warnf("停机超时，跳过: %s", h.Name)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, ctx.Err()))
			continue
		}
		start := time.Now()
		if err := h.Func(ctx); err != nil {
			m.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", h.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		m.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", h.Name, time.Since(start))
	}

	if len(errs) > 0 {
		m.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		return errors.Join(errs...)
	}
	m.logger.Info("优雅停机流程完成")
	return nil
}
