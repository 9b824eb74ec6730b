// Package identity 提供确定性的规范化标识构造，无状态、无副作用
package identity

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
)

// ZeroAddress 规范化后的零地址
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// 批量转移扇出时每个原始日志可容纳的子事件数
const batchSlots = 1 << 16

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func invalid(format string, args ...interface{}) error {
	return errors.NewIndexerError(errors.ErrorTypeValidation, errors.SeverityHigh,
		errors.ErrInvalidIdentity.Code, fmt.Sprintf(format, args...))
}

// NormalizeAddress 校验并转为小写地址
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", invalid("无效的地址: %q", addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// IsZeroAddress 判断是否零地址，无效地址返回 false
func IsZeroAddress(addr string) bool {
	n, err := NormalizeAddress(addr)
	return err == nil && n == ZeroAddress
}

// NormalizeHash 校验 32 字节哈希并转为小写
func NormalizeHash(hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	b, err := hexutil.Decode(hash)
	if err != nil || len(b) != common.HashLength {
		return "", invalid("无效的哈希: %q", hash)
	}
	return strings.ToLower(hash), nil
}

// ParseUint256 解析十进制非负整数，超出 uint256 范围报错
func ParseUint256(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 || n.Cmp(maxUint256) > 0 {
		return nil, invalid("无效的 uint256: %q", s)
	}
	return n, nil
}

func chainPrefix(chainID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, chainID)
	return buf
}

// CollectionID 合集标识 keccak256(chainId ‖ address)
func CollectionID(chainID uint64, addr string) (string, error) {
	norm, err := NormalizeAddress(addr)
	if err != nil {
		return "", err
	}
	h := crypto.Keccak256Hash(chainPrefix(chainID), common.HexToAddress(norm).Bytes())
	return h.Hex(), nil
}

// TokenID 代币标识 keccak256(chainId ‖ address ‖ uint256(tokenId))
func TokenID(chainID uint64, addr, tokenID string) (string, error) {
	norm, err := NormalizeAddress(addr)
	if err != nil {
		return "", err
	}
	id, err := ParseUint256(tokenID)
	if err != nil {
		return "", err
	}
	h := crypto.Keccak256Hash(
		chainPrefix(chainID),
		common.HexToAddress(norm).Bytes(),
		common.BigToHash(id).Bytes(),
	)
	return h.Hex(), nil
}

// EventID 事件标识 txHash:logIndex
func EventID(txHash string, logIndex uint) (string, error) {
	h, err := NormalizeHash(txHash)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", h, logIndex), nil
}

// TradeID 成交标识，与事件标识格式相同但位于独立表
func TradeID(txHash string, logIndex uint) (string, error) {
	return EventID(txHash, logIndex)
}

// ListingID 订单哈希规范化
func ListingID(hash string) (string, error) {
	return NormalizeHash(hash)
}

// AuctionListingID 将十进制拍卖编号编码为 32 字节十六进制
func AuctionListingID(auctionID string) (string, error) {
	id, err := ParseUint256(auctionID)
	if err != nil {
		return "", err
	}
	return common.BigToHash(id).Hex(), nil
}

// DeadLetterKey 死信键 txHash:eventName
func DeadLetterKey(txHash, eventName string) string {
	return strings.ToLower(txHash) + ":" + eventName
}

// SyntheticLogIndex 批量转移第 position 个子事件的日志索引，
// 落在 [(logIndex+1)*65536, (logIndex+2)*65536) 区间内，不与真实日志索引冲突
func SyntheticLogIndex(logIndex uint, position int) (uint, error) {
	if position < 0 || position >= batchSlots {
		return 0, invalid("批量位置越界: %d", position)
	}
	return (logIndex+1)*batchSlots + uint(position), nil
}
