package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

var hashRegex = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")

// Validator 入站事件验证器
type Validator struct {
	logger     *logrus.Logger
	strictMode bool // 严格模式下警告也视为失败
	rules      map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(ev *models.DecodedEvent) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                   `json:"valid"`
	Errors   []*errors.IndexerError `json:"errors,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
}

// Err 返回第一个错误，无错误时为 nil
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// NewValidator 创建验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
		rules:      make(map[string]ValidationRule),
	}

	v.AddRule(NewTimestampRule(time.Hour))

	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

func invalid(code, message string) *errors.IndexerError {
	return errors.NewIndexerError(errors.ErrorTypeValidation, errors.SeverityHigh, code, message)
}

// ValidateEvent 验证事件来源信息
func (v *Validator) ValidateEvent(ev *models.DecodedEvent) *ValidationResult {
	if ev == nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []*errors.IndexerError{invalid("EMPTY_EVENT", "事件为空")},
		}
	}

	result := &ValidationResult{
		Valid:    true,
		Errors:   make([]*errors.IndexerError, 0),
		Warnings: make([]string, 0),
	}
	addErr := func(e *errors.IndexerError) {
		result.Valid = false
		result.Errors = append(result.Errors, e.WithTxHash(ev.TransactionHash).WithBlockNumber(ev.BlockNumber))
	}

	if strings.TrimSpace(ev.EventName) == "" {
		addErr(invalid("MISSING_EVENT_NAME", "缺少事件名称"))
	}

	if !isValidHash(ev.TransactionHash) {
		addErr(invalid("INVALID_TX_HASH", "交易哈希格式无效"))
	}

	if !isValidAddress(ev.ContractAddress) || ev.ContractAddress == "" {
		addErr(invalid("INVALID_CONTRACT_ADDRESS", "合约地址格式无效"))
	}

	if !isValidAddress(ev.From) {
		addErr(invalid("INVALID_FROM_ADDRESS", "发送方地址格式无效"))
	}
	if !isValidAddress(ev.To) {
		addErr(invalid("INVALID_TO_ADDRESS", "接收方地址格式无效"))
	}

	if ev.ChainID == 0 {
		addErr(invalid("MISSING_CHAIN_ID", "缺少链ID"))
	}

	if ev.BlockTimestamp == 0 {
		result.Warnings = append(result.Warnings, "区块时间戳为空")
	}
	if len(ev.Args) == 0 {
		addErr(invalid("MISSING_ARGS", "缺少事件参数"))
	}

	for _, rule := range v.rules {
		if err := rule.Validate(ev); err != nil {
			if ie, ok := err.(*errors.IndexerError); ok {
				addErr(ie)
			} else {
				addErr(errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityMedium,
					"RULE_VALIDATION_FAILED", fmt.Sprintf("规则 %s 验证失败", rule.Name())))
			}
		}
	}

	if v.strictMode && len(result.Warnings) > 0 {
		addErr(invalid("STRICT_WARNINGS", strings.Join(result.Warnings, "; ")))
	}

	return result
}

// isValidHash 验证哈希格式
func isValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// isValidAddress 验证地址格式，空地址视为有效
func isValidAddress(addr string) bool {
	if addr == "" {
		return true
	}
	if !strings.HasPrefix(addr, "0x") {
		return false
	}
	return common.IsHexAddress(addr)
}

// TimestampRule 拒绝明显处于未来的区块时间戳
type TimestampRule struct {
	maxSkew time.Duration
	now     func() time.Time
}

func NewTimestampRule(maxSkew time.Duration) *TimestampRule {
	return &TimestampRule{maxSkew: maxSkew, now: time.Now}
}

func (r *TimestampRule) Name() string {
	return "timestamp"
}

func (r *TimestampRule) Description() string {
	return "区块时间戳不得超前当前时间"
}

func (r *TimestampRule) Validate(ev *models.DecodedEvent) error {
	if ev.BlockTimestamp == 0 {
		return nil
	}
	limit := r.now().Add(r.maxSkew).Unix()
	if int64(ev.BlockTimestamp) > limit {
		return invalid("FUTURE_TIMESTAMP", fmt.Sprintf("区块时间戳超前: %d", ev.BlockTimestamp))
	}
	return nil
}

// ChainRule 只接受已配置的链
type ChainRule struct {
	allowed map[uint64]struct{}
}

func NewChainRule(chainIDs []uint64) *ChainRule {
	allowed := make(map[uint64]struct{}, len(chainIDs))
	for _, id := range chainIDs {
		allowed[id] = struct{}{}
	}
	return &ChainRule{allowed: allowed}
}

func (r *ChainRule) Name() string {
	return "chain"
}

func (r *ChainRule) Description() string {
	return "链ID必须在配置中"
}

func (r *ChainRule) Validate(ev *models.DecodedEvent) error {
	if len(r.allowed) == 0 {
		return nil
	}
	if _, ok := r.allowed[ev.ChainID]; !ok {
		return invalid("UNKNOWN_CHAIN", fmt.Sprintf("未配置的链: %d", ev.ChainID))
	}
	return nil
}
