package errors

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器：统计、按严重级别记录日志、执行回调
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats

	mu        sync.RWMutex
	callbacks []ErrorCallback
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *IndexerError)

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
		stats:  NewErrorStats(),
	}
}

// HandleError 处理错误并原样返回
func (eh *ErrorHandler) HandleError(err error) error {
	if err == nil {
		return nil
	}

	var ie *IndexerError
	if !errors.As(err, &ie) {
		ie = WrapError(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	eh.stats.RecordError(ie)
	eh.log(ie)

	eh.mu.RLock()
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.RUnlock()

	for _, cb := range callbacks {
		eh.runCallback(cb, ie)
	}

	return err
}

func (eh *ErrorHandler) runCallback(cb ErrorCallback, err *IndexerError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	cb(err)
}

// log 根据严重级别选择日志级别
func (eh *ErrorHandler) log(err *IndexerError) {
	fields := logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"retryable":  err.Retryable,
	}
	if err.Component != "" {
		fields["component"] = err.Component
	}
	if err.BlockNumber != nil {
		fields["block_number"] = *err.BlockNumber
	}
	if err.TxHash != nil {
		fields["tx_hash"] = *err.TxHash
	}
	for k, v := range err.Context {
		fields[k] = v
	}
	entry := eh.logger.WithFields(fields)

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Error())
	case SeverityMedium:
		entry.Warn(err.Error())
	default:
		entry.Error(err.Error())
	}
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// GetStats 获取错误统计
func (eh *ErrorHandler) GetStats() *ErrorStats {
	return eh.stats
}
