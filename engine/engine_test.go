package engine

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airchains-network/evm-simulator/types"
)

const forkBlock = uint64(18_000_000)

// testSource is an in-memory stand-in for the remote chain adapter.
type testSource struct {
	accounts map[common.Address]*types.Account
	code     map[common.Address][]byte
	storage  map[common.Address]map[common.Hash]common.Hash
	header   *ethtypes.Header
}

func newTestSource() *testSource {
	return &testSource{
		accounts: make(map[common.Address]*types.Account),
		code:     make(map[common.Address][]byte),
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
		header: &ethtypes.Header{
			Number:     new(big.Int).SetUint64(forkBlock),
			GasLimit:   30_000_000,
			BaseFee:    big.NewInt(1_000_000_000),
			Time:       1_700_000_000,
			Difficulty: new(big.Int),
		},
	}
}

func (s *testSource) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (s *testSource) BlockNumber(context.Context) (uint64, error) {
	return forkBlock, nil
}

func (s *testSource) HeaderByNumber(context.Context, *big.Int) (*ethtypes.Header, error) {
	return s.header, nil
}

func (s *testSource) AccountAt(_ context.Context, addr common.Address) (*types.Account, error) {
	if acc, ok := s.accounts[addr]; ok {
		return acc, nil
	}
	return &types.Account{
		Balance:     new(big.Int),
		CodeHash:    ethtypes.EmptyCodeHash,
		StorageRoot: ethtypes.EmptyRootHash,
	}, nil
}

func (s *testSource) CodeAt(_ context.Context, addr common.Address) ([]byte, error) {
	return s.code[addr], nil
}

func (s *testSource) StorageAt(_ context.Context, addr common.Address, key common.Hash) (common.Hash, error) {
	return s.storage[addr][key], nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(context.Background(), newTestSource(), nil, testLogger())
	require.NoError(t, err)
	return eng
}

// impersonate registers a fresh key pair and returns its address.
func impersonate(t *testing.T, eng *Engine) common.Address {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	synthetic, err := eng.ImpersonateAccount(crypto.FromECDSAPub(&key.PublicKey))
	require.NoError(t, err)
	require.NotEmpty(t, synthetic)
	return crypto.PubkeyToAddress(key.PublicKey)
}

func hexBig(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(v)
}

func hexUint(v uint64) *hexutil.Uint64 {
	h := hexutil.Uint64(v)
	return &h
}

func strPtr(s string) *string {
	return &s
}

// initCode wraps runtime bytecode in a constructor that returns it.
func initCode(runtime []byte) []byte {
	n := byte(len(runtime))
	prefix := []byte{
		0x60, n, 0x60, 0x0c, 0x60, 0x00, 0x39, // CODECOPY(0, 12, n)
		0x60, n, 0x60, 0x00, 0xf3, // RETURN(0, n)
	}
	return append(prefix, runtime...)
}

// storerRuntime writes 42 into slot 0.
var storerRuntime = []byte{0x60, 0x2a, 0x60, 0x00, 0x55, 0x00}

// answerRuntime returns the 32-byte value 42.
var answerRuntime = []byte{0x60, 0x2a, 0x60, 0x00, 0x52, 0x60, 0x20, 0x60, 0x00, 0xf3}

// loggerRuntime emits LOG1 with topic 0x07 and no data.
var loggerRuntime = []byte{0x60, 0x07, 0x60, 0x00, 0x60, 0x00, 0xa1, 0x00}

// reverterRuntime reverts with Error("Insufficient balance").
func reverterRuntime() []byte {
	blob := encodeErrorString("Insufficient balance")
	n := byte(len(blob))
	prefix := []byte{
		0x60, n, 0x60, 0x0c, 0x60, 0x00, 0x39, // CODECOPY(0, 12, n)
		0x60, n, 0x60, 0x00, 0xfd, // REVERT(0, n)
	}
	return append(prefix, blob...)
}

// deploy runs a contract creation from the given sender and returns the
// created address.
func deploy(t *testing.T, eng *Engine, from common.Address, runtime []byte) common.Address {
	t.Helper()
	data := hexutil.Bytes(initCode(runtime))
	result, err := eng.Execute(context.Background(), &types.TxRequest{
		From: from.Hex(),
		Data: &data,
	})
	require.NoError(t, err)
	require.False(t, result.Failed(), "deployment failed: %+v", result.Error)
	require.NotNil(t, result.CreatedAddress)
	return *result.CreatedAddress
}

func TestBlockNumbering(t *testing.T) {
	eng := newTestEngine(t)

	assert.Equal(t, forkBlock, eng.BlockNumber())
	assert.Equal(t, forkBlock, eng.ForkBlock())
	assert.Equal(t, forkBlock+5, eng.ResolveBlockNumber(5))

	n, err := eng.ReverseBlockNumber(forkBlock + 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)
	assert.Equal(t, forkBlock+5, eng.ResolveBlockNumber(n))

	_, err = eng.ReverseBlockNumber(forkBlock)
	assert.ErrorIs(t, err, types.ErrUseRemote)
	_, err = eng.ReverseBlockNumber(1)
	assert.ErrorIs(t, err, types.ErrUseRemote)

	_, err = eng.BlockByNumber(1)
	assert.ErrorIs(t, err, types.ErrUseRemote)
}

func TestImpersonatedTransferSynthesizesBlock(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	from := impersonate(t, eng)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	oneEth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	eng.SetBalance(from, new(big.Int).Mul(oneEth, big.NewInt(2)))

	result, err := eng.Execute(ctx, &types.TxRequest{
		From:  from.Hex(),
		To:    strPtr(to.Hex()),
		Value: hexBig(oneEth),
	})
	require.NoError(t, err)
	require.False(t, result.Failed())

	// Fully signed bundles run inside a synthesized block.
	require.NotNil(t, result.BlockNumber)
	assert.Equal(t, forkBlock+1, *result.BlockNumber)
	assert.Equal(t, forkBlock+1, eng.BlockNumber())
	assert.Equal(t, uint64(21000), result.GasUsed)

	balance, err := eng.BalanceOf(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, oneEth, balance)
	remaining, err := eng.BalanceOf(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, oneEth, remaining)

	block, err := eng.BlockByNumber(forkBlock + 1)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Len(t, block.Transactions(), 1)
	assert.True(t, block.NumberU64() > eng.ForkBlock())

	byHash, err := eng.BlockByHash(block.Hash())
	require.NoError(t, err)
	assert.Equal(t, block.Hash(), byHash.Hash())

	tx := eng.GetTransaction(result.Hash)
	require.NotNil(t, tx)
	indexed := eng.GetTransactionResult(result.Hash)
	require.NotNil(t, indexed)
	assert.Equal(t, result.Hash, indexed.Hash)
}

func TestUnsignedTransferRunsWithoutBlock(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")

	result, err := eng.Execute(ctx, &types.TxRequest{
		From:  from.Hex(),
		To:    strPtr(to.Hex()),
		Value: hexBig(big.NewInt(1000)),
	})
	require.NoError(t, err)
	require.False(t, result.Failed())

	// No block is synthesized on the unsigned path; the hash is a fabricated
	// placeholder with 12 leading zero bytes.
	assert.Nil(t, result.BlockNumber)
	assert.Equal(t, forkBlock, eng.BlockNumber())
	hash := common.HexToHash(result.Hash)
	assert.Equal(t, make([]byte, 12), hash.Bytes()[:12])
	assert.NotEqual(t, common.Hash{}, hash)

	balance, err := eng.BalanceOf(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), balance)

	nonce, err := eng.NonceOf(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
}

func TestInvalidSenderRejected(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Execute(context.Background(), &types.TxRequest{From: "not-an-address"})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestDeployAndInvokeContract(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	from := impersonate(t, eng)
	contract := deploy(t, eng, from, storerRuntime)

	code, err := eng.CodeOf(ctx, contract)
	require.NoError(t, err)
	assert.Equal(t, storerRuntime, code)

	result, err := eng.Execute(ctx, &types.TxRequest{
		From: from.Hex(),
		To:   strPtr(contract.Hex()),
	})
	require.NoError(t, err)
	require.False(t, result.Failed())

	value, err := eng.StorageOf(ctx, contract, common.Hash{})
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x2a"), value)
}

func TestCallIsReadOnly(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	from := impersonate(t, eng)
	answer := deploy(t, eng, from, answerRuntime)
	storer := deploy(t, eng, from, storerRuntime)

	res, err := eng.Call(ctx, &types.TxRequest{To: strPtr(answer.Hex())})
	require.NoError(t, err)
	require.Nil(t, res.Error)
	assert.Equal(t, big.NewInt(42), new(big.Int).SetBytes(res.ReturnValue))

	// A call that writes storage leaves nothing behind.
	res, err = eng.Call(ctx, &types.TxRequest{To: strPtr(storer.Hex())})
	require.NoError(t, err)
	require.Nil(t, res.Error)
	value, err := eng.StorageOf(ctx, storer, common.Hash{})
	require.NoError(t, err)
	assert.Equal(t, common.Hash{}, value)
}

func TestCallRequiresTo(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Call(context.Background(), &types.TxRequest{From: "0x2222222222222222222222222222222222222222"})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestRevertCarriesDecodedReason(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	from := impersonate(t, eng)
	reverter := deploy(t, eng, from, reverterRuntime())

	// Explicit gas skips estimation so the failure happens at execution.
	result, err := eng.Execute(ctx, &types.TxRequest{
		From: from.Hex(),
		To:   strPtr(reverter.Hex()),
		Gas:  hexUint(100_000),
	})
	require.NoError(t, err)
	require.True(t, result.Failed())
	assert.Equal(t, ethtypes.ReceiptStatusFailed, result.Status)
	assert.Contains(t, result.Error.Message, "Insufficient balance")
	assert.NotEmpty(t, result.Error.Data)
}

func TestEstimationRevertRaisesUpstream(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	from := impersonate(t, eng)
	reverter := deploy(t, eng, from, reverterRuntime())

	_, err := eng.Execute(ctx, &types.TxRequest{
		From: from.Hex(),
		To:   strPtr(reverter.Hex()),
	})
	require.ErrorIs(t, err, types.ErrUpstream)
	assert.Contains(t, err.Error(), "Insufficient balance")
}

func TestBundleIsAtomic(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	from := impersonate(t, eng)
	storer := deploy(t, eng, from, storerRuntime)
	reverter := deploy(t, eng, from, reverterRuntime())

	results, err := eng.ExecuteBundle(ctx, []*types.TxRequest{
		{From: from.Hex(), To: strPtr(storer.Hex()), Gas: hexUint(100_000)},
		{From: from.Hex(), To: strPtr(reverter.Hex()), Gas: hexUint(100_000)},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Failed())
	assert.True(t, results[1].Failed())

	// Both transactions are undone.
	value, err := eng.StorageOf(ctx, storer, common.Hash{})
	require.NoError(t, err)
	assert.Equal(t, common.Hash{}, value)

	// Both are still indexed by hash.
	assert.NotNil(t, eng.GetTransactionResult(results[0].Hash))
	assert.NotNil(t, eng.GetTransactionResult(results[1].Hash))
}

func TestDeployedCodeSurvivesRevertedBundle(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	from := impersonate(t, eng)
	first := deploy(t, eng, from, storerRuntime)

	// Bundle B deploys a second contract and then reverts.
	deployData := hexutil.Bytes(initCode(answerRuntime))
	reverter := deploy(t, eng, from, reverterRuntime())
	results, err := eng.ExecuteBundle(ctx, []*types.TxRequest{
		{From: from.Hex(), Data: &deployData},
		{From: from.Hex(), To: strPtr(reverter.Hex()), Gas: hexUint(100_000)},
	})
	require.NoError(t, err)
	require.True(t, results[1].Failed())
	require.NotNil(t, results[0].CreatedAddress)
	second := *results[0].CreatedAddress

	// The first deployment is untouched and the second one's code is
	// retained by the deployed-code registry.
	code, err := eng.CodeOf(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, storerRuntime, code)

	code, err = eng.CodeOf(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, answerRuntime, code)
}

func TestLogsAreDerived(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	from := impersonate(t, eng)
	logger := deploy(t, eng, from, loggerRuntime)

	result, err := eng.Execute(ctx, &types.TxRequest{
		From: from.Hex(),
		To:   strPtr(logger.Hex()),
		Gas:  hexUint(100_000),
	})
	require.NoError(t, err)
	require.False(t, result.Failed())
	require.Len(t, result.Logs, 1)
	assert.Equal(t, logger.Hex(), result.Logs[0].Address)
	require.Len(t, result.Logs[0].Topics, 1)
	assert.Equal(t, common.HexToHash("0x07").Hex(), result.Logs[0].Topics[0])
	assert.Equal(t, "0x", result.Logs[0].Data)
}

func TestEstimateGasTransfer(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	from := impersonate(t, eng)
	to := common.HexToAddress("0x4444444444444444444444444444444444444444")

	gas, err := eng.EstimateGas(ctx, &types.TxRequest{
		From: from.Hex(),
		To:   strPtr(to.Hex()),
	})
	require.NoError(t, err)
	assert.Equal(t, hexutil.Uint64(21000), gas)

	// Estimation must not leave any state behind.
	nonce, err := eng.NonceOf(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)
}

func TestConsecutiveBundlesCompose(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	from := impersonate(t, eng)
	to := common.HexToAddress("0x5555555555555555555555555555555555555555")
	eng.SetBalance(from, big.NewInt(1000))

	for i := 0; i < 2; i++ {
		result, err := eng.Execute(ctx, &types.TxRequest{
			From:  from.Hex(),
			To:    strPtr(to.Hex()),
			Value: hexBig(big.NewInt(100)),
		})
		require.NoError(t, err)
		require.False(t, result.Failed())
	}

	balance, err := eng.BalanceOf(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(200), balance)
	remaining, err := eng.BalanceOf(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(800), remaining)
	assert.Equal(t, forkBlock+2, eng.BlockNumber())
}
