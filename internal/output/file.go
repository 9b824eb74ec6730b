package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/retry"
)

// FileSink 死信按行追加到 JSON 文件
type FileSink struct {
	path   string
	file   *os.File
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewFileSink 打开（或创建）死信文件
func NewFileSink(path string, logger *logrus.Logger) (*FileSink, error) {
	if path == "" {
		path = filepath.Join("data", "dead_letters.jsonl")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开死信文件失败: %w", err)
	}
	logger.Infof("死信文件输出: %s", path)
	return &FileSink{path: path, file: f, logger: logger}, nil
}

// Publish 追加一行
func (s *FileSink) Publish(_ context.Context, dl *retry.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("序列化死信失败: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("写入死信文件失败: %w", err)
	}
	// 强制刷新到磁盘
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("刷新死信文件失败: %w", err)
	}
	return nil
}

// Path 文件路径
func (s *FileSink) Path() string {
	return s.path
}

// Close 关闭文件
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
