package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *LogConfig
		wantErr bool
	}{
		{"默认配置", nil, false},
		{"文本格式", &LogConfig{Level: "debug", Format: "text", Output: "stderr"}, false},
		{"无效级别", &LogConfig{Level: "verbose", Format: "json"}, true},
		{"无效格式", &LogConfig{Level: "info", Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "indexer.log")
	logger, err := New(&LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.WithField("k", "v").Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "v", line["k"])
}

func TestEventLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	EventLogger(logger, &models.DecodedEvent{
		EventName:       models.EventNFTPurchased,
		ChainID:         137,
		TransactionHash: "0xabc",
		LogIndex:        2,
	}).Info("处理成功")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "NFTPurchased", line["event"])
	assert.Equal(t, float64(137), line["chain_id"])
	assert.Equal(t, "0xabc", line["tx_hash"])
}

func TestLogManager_RingAndPagination(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	manager := Attach(logger, 3)

	logger.Info("one")
	logger.Warn("two")
	logger.WithError(errors.New("boom")).Error("three")
	logger.Info("four")

	assert.Equal(t, 3, manager.Len())

	logs, total := manager.GetLogsWithPagination("", 1, 2)
	assert.Equal(t, 3, total)
	require.Len(t, logs, 2)
	assert.Equal(t, "four", logs[0].Message)
	assert.Equal(t, "three", logs[1].Message)
	assert.Equal(t, "boom", logs[1].Fields["error"])

	logs, total = manager.GetLogsWithPagination("warning", 1, 10)
	assert.Equal(t, 1, total)
	assert.Equal(t, "two", logs[0].Message)

	logs, _ = manager.GetLogsWithPagination("", 5, 10)
	assert.Empty(t, logs)

	manager.ClearLogs()
	assert.Equal(t, 0, manager.Len())
}
