package eth

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/airchains-network/evm-simulator/types"
)

const maxRetries = 3

// Client wraps rpc.Client and ethclient.Client for one upstream endpoint.
// State reads are pinned to the fork block via PinBlock.
type Client struct {
	Rpc *rpc.Client
	Eth *ethclient.Client

	geth  *gethclient.Client
	log   *logrus.Logger
	cache *Cache

	pinned   *big.Int
	noProofs bool
}

// NewClient initializes a new Ethereum client with both RPC and ethclient.
func NewClient(url string, log *logrus.Logger) (*Client, error) {
	rpcClient, err := rpc.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %v", err)
	}

	ethClient, err := ethclient.Dial(url)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to dial ethclient: %v", err)
	}

	return &Client{
		Rpc:  rpcClient,
		Eth:  ethClient,
		geth: gethclient.New(rpcClient),
		log:  log,
	}, nil
}

// WithCache attaches a disk cache for fork-pinned reads.
func (c *Client) WithCache(cache *Cache) *Client {
	c.cache = cache
	return c
}

// PinBlock fixes the block used for all subsequent state reads.
func (c *Client) PinBlock(number uint64) {
	c.pinned = new(big.Int).SetUint64(number)
}

// PinnedBlock returns the pinned fork block, or 0 if none is set.
func (c *Client) PinnedBlock() uint64 {
	if c.pinned == nil {
		return 0
	}
	return c.pinned.Uint64()
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.Eth.ChainID(ctx)
	if err != nil {
		return nil, types.Upstreamf("failed to fetch chain id: %v", err)
	}
	return id, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.Eth.BlockNumber(ctx)
	if err != nil {
		return 0, types.Upstreamf("failed to fetch block number: %v", err)
	}
	return n, nil
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	header, err := c.Eth.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, types.Upstreamf("failed to fetch header: %v", err)
	}
	return header, nil
}

// AccountAt retrieves the account at the pinned block, preferring
// eth_getProof and degrading to the balance/nonce/code triplet on endpoints
// without proof support.
func (c *Client) AccountAt(ctx context.Context, addr common.Address) (*types.Account, error) {
	if c.cache != nil {
		if acc, ok := c.cache.Account(c.PinnedBlock(), addr); ok {
			return acc, nil
		}
	}

	var acc *types.Account
	var err error
	if !c.noProofs {
		acc, err = c.accountWithProof(ctx, addr)
		if err != nil {
			c.log.Warnf("eth_getProof unavailable for %s, using balance/nonce/code fallback: %v", addr.Hex(), err)
			c.noProofs = true
		}
	}
	if acc == nil {
		acc, err = c.accountWithoutProof(ctx, addr)
		if err != nil {
			return nil, err
		}
	}

	if c.cache != nil {
		c.cache.PutAccount(c.PinnedBlock(), addr, acc)
	}
	return acc, nil
}

func (c *Client) accountWithProof(ctx context.Context, addr common.Address) (*types.Account, error) {
	var result *gethclient.AccountResult
	err := c.retry(func() error {
		var err error
		result, err = c.geth.GetProof(ctx, addr, nil, c.pinned)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &types.Account{
		Balance:     result.Balance,
		Nonce:       result.Nonce,
		CodeHash:    result.CodeHash,
		StorageRoot: result.StorageHash,
	}, nil
}

// accountWithoutProof synthesizes the account from three concurrent reads.
// The storage root cannot be recovered on this path and is pinned to the
// empty-trie root; contract accounts read through proofs elsewhere will not
// match it. Best-effort.
func (c *Client) accountWithoutProof(ctx context.Context, addr common.Address) (*types.Account, error) {
	var (
		wg      sync.WaitGroup
		balance *big.Int
		nonce   uint64
		code    []byte

		balErr, nonceErr, codeErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		balance, balErr = c.Eth.BalanceAt(ctx, addr, c.pinned)
	}()
	go func() {
		defer wg.Done()
		nonce, nonceErr = c.Eth.NonceAt(ctx, addr, c.pinned)
	}()
	go func() {
		defer wg.Done()
		// Code is read at latest: not every endpoint serves historical code
		// without proofs.
		code, codeErr = c.Eth.CodeAt(ctx, addr, nil)
	}()
	wg.Wait()

	for _, err := range []error{balErr, nonceErr, codeErr} {
		if err != nil {
			return nil, types.Upstreamf("failed to fetch account %s: %v", addr.Hex(), err)
		}
	}

	return &types.Account{
		Balance:     balance,
		Nonce:       nonce,
		CodeHash:    crypto.Keccak256Hash(code),
		StorageRoot: ethtypes.EmptyRootHash,
	}, nil
}

// CodeAt retrieves contract code at the pinned block.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	if c.cache != nil {
		if code, ok := c.cache.Code(c.PinnedBlock(), addr); ok {
			return code, nil
		}
	}

	var code []byte
	err := c.retry(func() error {
		var err error
		code, err = c.Eth.CodeAt(ctx, addr, c.pinned)
		return err
	})
	if err != nil {
		return nil, types.Upstreamf("failed to fetch code for %s: %v", addr.Hex(), err)
	}

	if c.cache != nil {
		c.cache.PutCode(c.PinnedBlock(), addr, code)
	}
	return code, nil
}

// StorageAt retrieves one storage slot at the pinned block.
func (c *Client) StorageAt(ctx context.Context, addr common.Address, key common.Hash) (common.Hash, error) {
	if c.cache != nil {
		if value, ok := c.cache.Storage(c.PinnedBlock(), addr, key); ok {
			return value, nil
		}
	}

	var raw []byte
	err := c.retry(func() error {
		var err error
		raw, err = c.Eth.StorageAt(ctx, addr, key, c.pinned)
		return err
	})
	if err != nil {
		return common.Hash{}, types.Upstreamf("failed to fetch storage %s[%s]: %v", addr.Hex(), key.Hex(), err)
	}

	value := common.BytesToHash(raw)
	if c.cache != nil {
		c.cache.PutStorage(c.PinnedBlock(), addr, key, value)
	}
	return value, nil
}

// Forward issues an arbitrary JSON-RPC call against the upstream node.
func (c *Client) Forward(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.Rpc.CallContext(ctx, result, method, args...)
}

func (c *Client) Close() {
	c.Eth.Close()
	c.Rpc.Close()
	if c.cache != nil {
		c.cache.Close()
	}
}

func (c *Client) retry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		c.log.Warnf("RPC call attempt %d failed: %v", attempt+1, err)
		if attempt < maxRetries-1 {
			time.Sleep(time.Second * time.Duration(attempt+1))
		}
	}
	return err
}
