package detector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

const erc165ABI = `[{"inputs":[{"internalType":"bytes4","name":"interfaceId","type":"bytes4"}],"name":"supportsInterface","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"}]`

// ChainEndpoint 链 RPC 节点
type ChainEndpoint struct {
	ChainID uint64
	Name    string
	URL     string
}

// EthProber 通过 eth_call 调用 supportsInterface，每条链一个惰性建立的客户端。
// 建立连接只持有该链的锁，慢节点不阻塞其他链的探测
type EthProber struct {
	endpoints map[uint64]ChainEndpoint
	abi       abi.ABI
	timeout   time.Duration
	logger    *logrus.Logger

	mu      sync.Mutex
	clients map[uint64]*ethclient.Client
	dialing map[uint64]*sync.Mutex
}

// NewEthProber 创建探测器
func NewEthProber(endpoints []ChainEndpoint, timeout time.Duration, logger *logrus.Logger) (*EthProber, error) {
	parsed, err := abi.JSON(strings.NewReader(erc165ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC165 ABI 失败: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := make(map[uint64]ChainEndpoint, len(endpoints))
	for _, ep := range endpoints {
		m[ep.ChainID] = ep
	}
	return &EthProber{
		endpoints: m,
		clients:   make(map[uint64]*ethclient.Client),
		dialing:   make(map[uint64]*sync.Mutex),
		abi:       parsed,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

func (p *EthProber) cached(chainID uint64) (*ethclient.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[chainID]
	return c, ok
}

func (p *EthProber) chainLock(chainID uint64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.dialing[chainID]
	if !ok {
		l = &sync.Mutex{}
		p.dialing[chainID] = l
	}
	return l
}

// client 获取链客户端，首次使用时建立连接并校验链 ID
func (p *EthProber) client(ctx context.Context, chainID uint64) (*ethclient.Client, error) {
	if c, ok := p.cached(chainID); ok {
		return c, nil
	}
	ep, ok := p.endpoints[chainID]
	if !ok {
		return nil, fmt.Errorf("链 %d 未配置 RPC 节点", chainID)
	}

	lock := p.chainLock(chainID)
	lock.Lock()
	defer lock.Unlock()
	// 等锁期间可能已由其他调用建立
	if c, ok := p.cached(chainID); ok {
		return c, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := ethclient.DialContext(dialCtx, ep.URL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}
	id, err := c.ChainID(dialCtx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("测试连接失败: %w", err)
	}
	if id.Uint64() != chainID {
		c.Close()
		return nil, fmt.Errorf("节点 %s 链 ID 不匹配: 期望 %d, 实际 %d", ep.Name, chainID, id.Uint64())
	}

	p.mu.Lock()
	p.clients[chainID] = c
	p.mu.Unlock()
	p.logger.Infof("链 %d 节点 %s 已连接", chainID, ep.Name)
	return c, nil
}

// SupportsInterface 调用合约的 supportsInterface(bytes4)
func (p *EthProber) SupportsInterface(ctx context.Context, chainID uint64, address string, interfaceID [4]byte) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, fmt.Errorf("无效的合约地址: %s", address)
	}
	c, err := p.client(ctx, chainID)
	if err != nil {
		return false, err
	}
	data, err := p.abi.Pack("supportsInterface", interfaceID)
	if err != nil {
		return false, fmt.Errorf("编码调用数据失败: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	to := common.HexToAddress(address)
	res, err := c.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("调用 supportsInterface 失败: %w", err)
	}
	out, err := p.abi.Unpack("supportsInterface", res)
	if err != nil {
		return false, fmt.Errorf("解码返回值失败: %w", err)
	}
	if len(out) == 0 {
		return false, nil
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

// Close 关闭全部客户端
func (p *EthProber) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		c.Close()
		delete(p.clients, id)
	}
}
