package repository

import (
	"math/big"
	"strings"

	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
)

// 数量统一以十进制字符串存储，运算在 math/big 中完成

func parseDecimal(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, ierrors.Malformed("无效的十进制数: %q", s)
	}
	return n, nil
}

func addDecimal(a, b string) (string, error) {
	x, err := parseDecimal(a)
	if err != nil {
		return "", err
	}
	y, err := parseDecimal(b)
	if err != nil {
		return "", err
	}
	return x.Add(x, y).String(), nil
}

// subDecimalFloor a-b，结果不小于 0
func subDecimalFloor(a, b string) (string, error) {
	x, err := parseDecimal(a)
	if err != nil {
		return "", err
	}
	y, err := parseDecimal(b)
	if err != nil {
		return "", err
	}
	x.Sub(x, y)
	if x.Sign() < 0 {
		x.SetInt64(0)
	}
	return x.String(), nil
}

func cmpDecimal(a, b string) (int, error) {
	x, err := parseDecimal(a)
	if err != nil {
		return 0, err
	}
	y, err := parseDecimal(b)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}

func isZeroDecimal(s string) bool {
	n, err := parseDecimal(s)
	return err == nil && n.Sign() == 0
}
