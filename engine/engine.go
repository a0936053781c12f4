// Package engine is the top-level simulation façade: it owns the overlay
// state, the signature matcher, the transaction preparer, the simulated
// block counter and the transaction index.
package engine

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/sirupsen/logrus"

	"github.com/airchains-network/evm-simulator/keys"
	"github.com/airchains-network/evm-simulator/state"
	"github.com/airchains-network/evm-simulator/types"
)

// Source is the slice of the remote chain adapter the engine consumes.
type Source interface {
	state.RemoteReader
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

type indexEntry struct {
	tx     *ethtypes.Transaction
	result *types.TxResult
}

// Engine simulates transaction execution against a fork of a live chain.
// One logical caller at a time; there is no internal locking.
type Engine struct {
	log     *logrus.Logger
	source  Source
	overlay *state.Overlay
	matcher *keys.Matcher

	chainConfig *params.ChainConfig
	signer      ethtypes.Signer

	chainID    *big.Int
	forkBlock  uint64
	forkHeader *ethtypes.Header

	// counter is a 0-based delta over the fork block; external block numbers
	// are forkBlock + counter.
	counter       uint64
	lastTimestamp uint64

	head           *ethtypes.Header
	blocksByNumber map[uint64]*ethtypes.Block
	blocksByHash   map[common.Hash]*ethtypes.Block

	txs map[string]*indexEntry
}

// New forks the chain behind source at blockNumber (remote head when nil).
// The chain id and fork header lookups (plus the head number when
// blockNumber is nil) are the only remote calls issued eagerly; everything
// else faults in on demand.
func New(ctx context.Context, source Source, blockNumber *uint64, log *logrus.Logger) (*Engine, error) {
	chainID, err := source.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	forkBlock := uint64(0)
	if blockNumber != nil {
		forkBlock = *blockNumber
	} else {
		forkBlock, err = source.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
	}

	forkHeader, err := source.HeaderByNumber(ctx, new(big.Int).SetUint64(forkBlock))
	if err != nil {
		return nil, err
	}

	matcher := keys.NewMatcher(log)
	e := &Engine{
		log:            log,
		source:         source,
		overlay:        state.NewOverlay(source, log),
		matcher:        matcher,
		chainConfig:    simulationChainConfig(chainID),
		signer:         matcher.WrapSigner(ethtypes.LatestSignerForChainID(chainID)),
		chainID:        chainID,
		forkBlock:      forkBlock,
		forkHeader:     forkHeader,
		lastTimestamp:  uint64(time.Now().Unix()),
		head:           forkHeader,
		blocksByNumber: make(map[uint64]*ethtypes.Block),
		blocksByHash:   make(map[common.Hash]*ethtypes.Block),
		txs:            make(map[string]*indexEntry),
	}
	log.Infof("Forked chain %s at block %d", chainID.String(), forkBlock)
	return e, nil
}

// simulationChainConfig enables every fork through Shanghai (EIPs 1559, 2930
// and 4895 included) for the given chain id.
func simulationChainConfig(chainID *big.Int) *params.ChainConfig {
	zero := uint64(0)
	return &params.ChainConfig{
		ChainID:                       chainID,
		HomesteadBlock:                big.NewInt(0),
		EIP150Block:                   big.NewInt(0),
		EIP155Block:                   big.NewInt(0),
		EIP158Block:                   big.NewInt(0),
		ByzantiumBlock:                big.NewInt(0),
		ConstantinopleBlock:           big.NewInt(0),
		PetersburgBlock:               big.NewInt(0),
		IstanbulBlock:                 big.NewInt(0),
		MuirGlacierBlock:              big.NewInt(0),
		BerlinBlock:                   big.NewInt(0),
		LondonBlock:                   big.NewInt(0),
		ArrowGlacierBlock:             big.NewInt(0),
		GrayGlacierBlock:              big.NewInt(0),
		MergeNetsplitBlock:            big.NewInt(0),
		ShanghaiTime:                  &zero,
		TerminalTotalDifficulty:       big.NewInt(0),
		TerminalTotalDifficultyPassed: true,
	}
}

// ChainID returns the forked chain's id.
func (e *Engine) ChainID() *big.Int {
	return new(big.Int).Set(e.chainID)
}

// ForkBlock returns the external block height the fork is pinned at.
func (e *Engine) ForkBlock() uint64 {
	return e.forkBlock
}

// Matcher exposes the signature matcher for the raw-transaction path.
func (e *Engine) Matcher() *keys.Matcher {
	return e.matcher
}

// ImpersonateAccount registers a public key and returns the synthetic private
// key that will stand in for it.
func (e *Engine) ImpersonateAccount(pubkey []byte) ([]byte, error) {
	addr, err := e.matcher.Register(pubkey)
	if err != nil {
		return nil, err
	}
	key, err := e.matcher.SimulationKey(addr)
	if err != nil {
		return nil, err
	}
	return crypto.FromECDSA(key), nil
}

// SetBalance writes a balance directly into the overlay, no checkpoint.
func (e *Engine) SetBalance(addr common.Address, balance *big.Int) {
	e.overlay.SetBalance(addr, balance)
}

// SetStorage writes a storage slot directly into the overlay, no checkpoint.
func (e *Engine) SetStorage(addr common.Address, key, value common.Hash) {
	e.overlay.SetStorage(addr, key, value)
}

// BalanceOf reads the current overlay balance.
func (e *Engine) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	e.overlay.WithContext(ctx)
	balance := e.overlay.GetBalance(addr)
	return balance, e.overlay.Error()
}

// NonceOf reads the current overlay nonce.
func (e *Engine) NonceOf(ctx context.Context, addr common.Address) (uint64, error) {
	return e.overlay.NonceOf(ctx, addr)
}

// CodeOf reads the current overlay code.
func (e *Engine) CodeOf(ctx context.Context, addr common.Address) ([]byte, error) {
	e.overlay.WithContext(ctx)
	code := e.overlay.GetCode(addr)
	return code, e.overlay.Error()
}

// StorageOf reads the current overlay storage slot.
func (e *Engine) StorageOf(ctx context.Context, addr common.Address, key common.Hash) (common.Hash, error) {
	e.overlay.WithContext(ctx)
	value := e.overlay.GetState(addr, key)
	return value, e.overlay.Error()
}

// ResolveBlockNumber translates an internal counter value to an external
// block number.
func (e *Engine) ResolveBlockNumber(n uint64) uint64 {
	return e.forkBlock + n
}

// ReverseBlockNumber translates an external block number to the internal
// counter space. External numbers at or below the fork block belong to the
// remote chain and are signaled with ErrUseRemote.
func (e *Engine) ReverseBlockNumber(n uint64) (uint64, error) {
	if n <= e.forkBlock {
		return 0, types.ErrUseRemote
	}
	return n - e.forkBlock, nil
}

// BlockNumber returns the current external head number.
func (e *Engine) BlockNumber() uint64 {
	return e.ResolveBlockNumber(e.counter)
}

// BlockByNumber looks up a simulated block by external number.
func (e *Engine) BlockByNumber(n uint64) (*ethtypes.Block, error) {
	if n <= e.forkBlock {
		return nil, types.ErrUseRemote
	}
	block, ok := e.blocksByNumber[n]
	if !ok {
		return nil, nil
	}
	return block, nil
}

// BlockByHash looks up a simulated block by hash. A miss signals fallback to
// the remote chain, which owns all historical hashes.
func (e *Engine) BlockByHash(hash common.Hash) (*ethtypes.Block, error) {
	block, ok := e.blocksByHash[hash]
	if !ok {
		return nil, types.ErrUseRemote
	}
	return block, nil
}

// GetTransaction returns an indexed simulated transaction, nil on miss.
func (e *Engine) GetTransaction(hash string) *ethtypes.Transaction {
	if entry, ok := e.txs[strings.ToLower(hash)]; ok {
		return entry.tx
	}
	return nil
}

// GetTransactionResult returns the result of an indexed simulated
// transaction, nil on miss.
func (e *Engine) GetTransactionResult(hash string) *types.TxResult {
	if entry, ok := e.txs[strings.ToLower(hash)]; ok {
		return entry.result
	}
	return nil
}

// Execute prepares and runs a single transaction.
func (e *Engine) Execute(ctx context.Context, req *types.TxRequest) (*types.TxResult, error) {
	results, err := e.ExecuteBundle(ctx, []*types.TxRequest{req})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// ExecuteTyped runs an already-typed (raw) transaction, skipping the
// preparer.
func (e *Engine) ExecuteTyped(ctx context.Context, tx *ethtypes.Transaction) (*types.TxResult, error) {
	results, err := e.executePrepared(ctx, []*PreparedTx{{Tx: tx, Signed: true}})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// ExecuteBundle prepares and runs an ordered group of transactions
// atomically: all commit or all revert.
func (e *Engine) ExecuteBundle(ctx context.Context, reqs []*types.TxRequest) ([]*types.TxResult, error) {
	prepared := make([]*PreparedTx, len(reqs))
	for i, req := range reqs {
		p, err := e.prepare(ctx, req)
		if err != nil {
			return nil, err
		}
		prepared[i] = p
	}
	return e.executePrepared(ctx, prepared)
}

func (e *Engine) executePrepared(ctx context.Context, prepared []*PreparedTx) ([]*types.TxResult, error) {
	signed := true
	for _, p := range prepared {
		if !p.Signed {
			signed = false
			break
		}
	}

	e.overlay.WithContext(ctx)
	e.overlay.Checkpoint()

	var results []*types.TxResult
	var err error
	if signed {
		results, err = e.runBlock(prepared)
	} else {
		results, err = e.runIndividually(prepared)
	}
	if err != nil {
		e.overlay.Revert()
		return nil, err
	}

	failed := false
	for _, r := range results {
		if r.Failed() {
			failed = true
			break
		}
	}
	if failed {
		e.overlay.Revert()
	} else {
		e.overlay.Commit()
	}

	for i, r := range results {
		e.txs[strings.ToLower(r.Hash)] = &indexEntry{tx: prepared[i].Tx, result: r}
	}
	return results, nil
}

// runBlock synthesizes a block around a fully signed bundle and executes the
// transactions in order.
func (e *Engine) runBlock(prepared []*PreparedTx) ([]*types.TxResult, error) {
	e.counter++
	e.lastTimestamp++

	sumGas := uint64(0)
	txs := make([]*ethtypes.Transaction, len(prepared))
	for i, p := range prepared {
		txs[i] = p.Tx
		sumGas += p.Tx.Gas()
	}
	gasLimit := e.head.GasLimit
	if sumGas > gasLimit {
		gasLimit = sumGas
	}

	header := &ethtypes.Header{
		ParentHash: e.head.Hash(),
		Coinbase:   e.head.Coinbase,
		Number:     new(big.Int).SetUint64(e.ResolveBlockNumber(e.counter)),
		GasLimit:   gasLimit,
		Time:       e.lastTimestamp,
		Difficulty: new(big.Int),
		BaseFee:    headerBaseFee(e.head),
	}

	results := make([]*types.TxResult, len(prepared))
	receipts := make(ethtypes.Receipts, 0, len(prepared))
	cumulative := uint64(0)
	external := header.Number.Uint64()
	for i, p := range prepared {
		result, err := e.runOne(p, header, i, &cumulative)
		if err != nil {
			return nil, err
		}
		result.BlockNumber = &external
		results[i] = result
		if result.Receipt != nil {
			receipts = append(receipts, result.Receipt)
		}
	}

	header.GasUsed = cumulative
	block := e.sealBlock(header, txs, receipts)
	if block != nil {
		for _, r := range results {
			for _, l := range logsOf(r) {
				l.BlockHash = block.Hash()
			}
		}
	}
	return results, nil
}

// runIndividually executes an unsigned bundle transaction by transaction
// against the current head context; no block is synthesized.
func (e *Engine) runIndividually(prepared []*PreparedTx) ([]*types.TxResult, error) {
	results := make([]*types.TxResult, len(prepared))
	cumulative := uint64(0)
	for i, p := range prepared {
		result, err := e.runOne(p, e.head, i, &cumulative)
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}

// sealBlock assembles and registers the synthesized block as the new head.
func (e *Engine) sealBlock(header *ethtypes.Header, txs []*ethtypes.Transaction, receipts ethtypes.Receipts) *ethtypes.Block {
	block := newBlock(header, txs, receipts)
	e.blocksByNumber[header.Number.Uint64()] = block
	e.blocksByHash[block.Hash()] = block
	e.head = block.Header()
	return block
}

func headerBaseFee(parent *ethtypes.Header) *big.Int {
	if parent.BaseFee == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(parent.BaseFee)
}

func logsOf(r *types.TxResult) []*ethtypes.Log {
	if r.Receipt == nil {
		return nil
	}
	return r.Receipt.Logs
}
