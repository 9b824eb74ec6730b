package errors

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 网络相关错误
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeConnection
	ErrorTypeTimeout

	// 存储相关错误
	ErrorTypeStorage
	ErrorTypeConflict

	// 链上调用错误
	ErrorTypeChain

	// 数据相关错误
	ErrorTypeDecode
	ErrorTypeSerialization
	ErrorTypeValidation

	// 投影错误
	ErrorTypeProjection
	ErrorTypeUnknownEvent

	// 系统相关错误
	ErrorTypeSystem
	ErrorTypeConfig

	// 外部服务错误
	ErrorTypeKafka
	ErrorTypeCache
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// IndexerError 自定义错误类型，Retryable 是重试分类的显式标记
type IndexerError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"-"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component,omitempty"`
	BlockNumber *uint64                `json:"block_number,omitempty"`
	TxHash      *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *IndexerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *IndexerError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使预定义错误可用于 errors.Is
func (e *IndexerError) Is(target error) bool {
	t, ok := target.(*IndexerError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// IsRetryable 判断是否可重试
func (e *IndexerError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *IndexerError) WithContext(key string, value interface{}) *IndexerError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithBlockNumber 添加区块号
func (e *IndexerError) WithBlockNumber(blockNumber uint64) *IndexerError {
	e.BlockNumber = &blockNumber
	return e
}

// WithTxHash 添加交易哈希
func (e *IndexerError) WithTxHash(txHash string) *IndexerError {
	e.TxHash = &txHash
	return e
}

// WithComponent 设置出错组件
func (e *IndexerError) WithComponent(component string) *IndexerError {
	e.Component = component
	return e
}

// NewIndexerError 创建新的错误
func NewIndexerError(errorType ErrorType, severity ErrorSeverity, code, message string) *IndexerError {
	return &IndexerError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *IndexerError {
	e := NewIndexerError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// Fatal 将错误显式标记为不可重试
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var ie *IndexerError
	if errors.As(err, &ie) && !ie.Retryable {
		return err
	}
	e := WrapError(err, ErrorTypeValidation, SeverityHigh, "FATAL", "不可重试的错误")
	e.Retryable = false
	return e
}

// Retryable 将错误显式标记为可重试
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	var ie *IndexerError
	if errors.As(err, &ie) && ie.Retryable {
		return err
	}
	e := WrapError(err, ErrorTypeSystem, SeverityMedium, "RETRYABLE", "可重试的错误")
	e.Retryable = true
	return e
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeStorage, ErrorTypeConflict:
		return true
	case ErrorTypeChain, ErrorTypeKafka, ErrorTypeCache:
		return true
	default:
		return false
	}
}

// 预定义错误，仅用于 errors.Is 匹配，使用时通过 WrapError 以相同错误码构造
var (
	ErrMalformedPayload = NewIndexerError(
		ErrorTypeDecode,
		SeverityHigh,
		"MALFORMED_PAYLOAD",
		"事件参数格式错误",
	)

	ErrInvalidIdentity = NewIndexerError(
		ErrorTypeValidation,
		SeverityHigh,
		"INVALID_IDENTITY",
		"无效的标识输入",
	)

	ErrUnknownEvent = NewIndexerError(
		ErrorTypeUnknownEvent,
		SeverityMedium,
		"UNKNOWN_EVENT",
		"未注册的事件类型",
	)

	ErrStorageUnavailable = NewIndexerError(
		ErrorTypeStorage,
		SeverityHigh,
		"STORAGE_UNAVAILABLE",
		"存储不可用",
	)

	ErrConfigInvalid = NewIndexerError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	ErrKafkaProduceFailed = NewIndexerError(
		ErrorTypeKafka,
		SeverityHigh,
		"KAFKA_PRODUCE_FAILED",
		"Kafka消息发送失败",
	)
)

// Malformed 构造参数格式错误
func Malformed(format string, args ...interface{}) *IndexerError {
	return NewIndexerError(ErrorTypeDecode, SeverityHigh, ErrMalformedPayload.Code, fmt.Sprintf(format, args...))
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeNetwork:       "Network",
	ErrorTypeConnection:    "Connection",
	ErrorTypeTimeout:       "Timeout",
	ErrorTypeStorage:       "Storage",
	ErrorTypeConflict:      "Conflict",
	ErrorTypeChain:         "Chain",
	ErrorTypeDecode:        "Decode",
	ErrorTypeSerialization: "Serialization",
	ErrorTypeValidation:    "Validation",
	ErrorTypeProjection:    "Projection",
	ErrorTypeUnknownEvent:  "UnknownEvent",
	ErrorTypeSystem:        "System",
	ErrorTypeConfig:        "Config",
	ErrorTypeKafka:         "Kafka",
	ErrorTypeCache:         "Cache",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

const maxRecentErrors = 100

// ErrorStats 错误统计，可并发使用
type ErrorStats struct {
	mu                sync.RWMutex
	TotalErrors       int             `json:"total_errors"`
	ErrorsByType      map[string]int  `json:"errors_by_type"`
	ErrorsBySeverity  map[string]int  `json:"errors_by_severity"`
	ErrorsByComponent map[string]int  `json:"errors_by_component"`
	RecentErrors      []*IndexerError `json:"recent_errors"`
	LastError         *IndexerError   `json:"last_error"`
	LastErrorTime     time.Time       `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*IndexerError, 0),
	}
}

// RecordError 记录错误，非 IndexerError 按系统错误统计
func (es *ErrorStats) RecordError(err error) {
	if err == nil {
		return
	}
	var ie *IndexerError
	if !errors.As(err, &ie) {
		ie = WrapError(err, ErrorTypeSystem, SeverityMedium, "UNCLASSIFIED", err.Error())
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	es.TotalErrors++
	es.ErrorsByType[ie.Type.String()]++
	es.ErrorsBySeverity[ie.Severity.String()]++
	if ie.Component != "" {
		es.ErrorsByComponent[ie.Component]++
	}

	es.LastError = ie
	es.LastErrorTime = ie.Timestamp

	es.RecentErrors = append(es.RecentErrors, ie)
	if len(es.RecentErrors) > maxRecentErrors {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	es.mu.RLock()
	defer es.mu.RUnlock()

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	return float64(recentCount) / duration.Hours()
}

// Snapshot 返回统计快照
func (es *ErrorStats) Snapshot() map[string]interface{} {
	es.mu.RLock()
	defer es.mu.RUnlock()

	byType := make(map[string]int, len(es.ErrorsByType))
	for k, v := range es.ErrorsByType {
		byType[k] = v
	}
	byComponent := make(map[string]int, len(es.ErrorsByComponent))
	for k, v := range es.ErrorsByComponent {
		byComponent[k] = v
	}

	snapshot := map[string]interface{}{
		"total_errors":        es.TotalErrors,
		"errors_by_type":      byType,
		"errors_by_component": byComponent,
		"last_error_time":     es.LastErrorTime,
	}
	if es.LastError != nil {
		snapshot["last_error"] = es.LastError.Error()
	}
	return snapshot
}
