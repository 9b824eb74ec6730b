// Package detector 代币合约标准探测：通过 supportsInterface 判断 ERC-721 / ERC-1155，
// 并按 (chainId, address) 缓存正向结果
package detector

import (
	"context"
	"encoding/hex"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// ERC-165 接口标识
var (
	InterfaceERC721  = [4]byte{0x80, 0xac, 0x58, 0xcd}
	InterfaceERC1155 = [4]byte{0xd9, 0xb6, 0x7a, 0x26}
)

// Prober 链上接口探测
type Prober interface {
	SupportsInterface(ctx context.Context, chainID uint64, address string, interfaceID [4]byte) (bool, error)
}

// Detector 代币标准探测器
type Detector struct {
	prober Prober
	logger *logrus.Logger
}

// NewDetector 创建探测器
func NewDetector(prober Prober, logger *logrus.Logger) *Detector {
	return &Detector{prober: prober, logger: logger}
}

// Detect 先探测 ERC-721 再探测 ERC-1155。探测调用失败按不支持处理，只记录日志
func (d *Detector) Detect(ctx context.Context, chainID uint64, address string) models.TokenKind {
	if d.supports(ctx, chainID, address, InterfaceERC721) {
		return models.TokenKindERC721
	}
	if d.supports(ctx, chainID, address, InterfaceERC1155) {
		return models.TokenKindERC1155
	}
	return models.TokenKindUnknown
}

func (d *Detector) supports(ctx context.Context, chainID uint64, address string, id [4]byte) bool {
	ok, err := d.prober.SupportsInterface(ctx, chainID, address, id)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"chain_id":     chainID,
			"address":      address,
			"interface_id": "0x" + hex.EncodeToString(id[:]),
		}).WithError(err).Warn("接口探测失败，按不支持处理")
		return false
	}
	return ok
}
