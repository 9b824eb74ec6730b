package logging

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 保留最近 N 条日志
type LogManager struct {
	logs    []LogEntry
	maxLogs int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		logs:    make([]LogEntry, 0, maxLogs),
		maxLogs: maxLogs,
	}
}

// AddLog 添加日志
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.logs = append(lm.logs, LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	})

	// 超过上限时丢弃最旧的
	if len(lm.logs) > lm.maxLogs {
		lm.logs = lm.logs[len(lm.logs)-lm.maxLogs:]
	}
}

// GetLogsWithPagination 按级别过滤后分页，最新的在前
func (lm *LogManager) GetLogsWithPagination(level string, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	filtered := make([]LogEntry, 0, len(lm.logs))
	for i := len(lm.logs) - 1; i >= 0; i-- {
		if level == "" || lm.logs[i].Level == level {
			filtered = append(filtered, lm.logs[i])
		}
	}

	total := len(filtered)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return filtered[start:end], total
}

// Len 当前条数
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.logs)
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, 0, lm.maxLogs)
}

// LogHook 把日志写入 LogManager
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Attach 给日志器挂上内存缓冲
func Attach(logger *logrus.Logger, maxLogs int) *LogManager {
	manager := NewLogManager(maxLogs)
	logger.AddHook(NewLogHook(manager))
	return manager
}
