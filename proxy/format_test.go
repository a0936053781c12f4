package proxy

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airchains-network/evm-simulator/engine"
	"github.com/airchains-network/evm-simulator/types"
)

const forkBlock = uint64(18_000_000)

type testSource struct{}

func (testSource) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (testSource) BlockNumber(context.Context) (uint64, error) {
	return forkBlock, nil
}

func (testSource) HeaderByNumber(context.Context, *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{
		Number:     new(big.Int).SetUint64(forkBlock),
		GasLimit:   30_000_000,
		BaseFee:    big.NewInt(1_000_000_000),
		Time:       1_700_000_000,
		Difficulty: new(big.Int),
	}, nil
}

func (testSource) AccountAt(_ context.Context, _ common.Address) (*types.Account, error) {
	return &types.Account{
		Balance:     new(big.Int),
		CodeHash:    ethtypes.EmptyCodeHash,
		StorageRoot: ethtypes.EmptyRootHash,
	}, nil
}

func (testSource) CodeAt(context.Context, common.Address) ([]byte, error) {
	return nil, nil
}

func (testSource) StorageAt(context.Context, common.Address, common.Hash) (common.Hash, error) {
	return common.Hash{}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	eng, err := engine.New(context.Background(), testSource{}, nil, log)
	require.NoError(t, err)
	return NewServer(eng, nil, log)
}

func rawParams(values ...interface{}) []json.RawMessage {
	params := make([]json.RawMessage, len(values))
	for i, v := range values {
		data, _ := json.Marshal(v)
		params[i] = data
	}
	return params
}

func TestBlockTagRouting(t *testing.T) {
	s := newTestServer(t)

	for _, tag := range []string{"latest", "pending", "safe", "finalized"} {
		number, err := s.blockNumberParam(rawParams(tag), 0)
		require.NoError(t, err, tag)
		assert.Equal(t, forkBlock, number, tag)
	}

	// Historical blocks are routed back to the remote node.
	_, err := s.blockNumberParam(rawParams("earliest"), 0)
	assert.ErrorIs(t, err, types.ErrUseRemote)
	_, err = s.blockNumberParam(rawParams("0x1"), 0)
	assert.ErrorIs(t, err, types.ErrUseRemote)
	_, err = s.blockNumberParam(rawParams("0x112a880"), 0) // the fork block itself
	assert.ErrorIs(t, err, types.ErrUseRemote)

	number, err := s.blockNumberParam(rawParams("0x112a881"), 0)
	require.NoError(t, err)
	assert.Equal(t, forkBlock+1, number)

	_, err = s.blockNumberParam(rawParams("not-a-tag"), 0)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestServeUnknownMethodSignalsForwarding(t *testing.T) {
	s := newTestServer(t)

	_, err := s.serve(context.Background(), "eth_gasPrice", nil)
	assert.ErrorIs(t, err, errUnknownMethod)
}

func TestServeBlockNumber(t *testing.T) {
	s := newTestServer(t)

	result, err := s.serve(context.Background(), "eth_blockNumber", nil)
	require.NoError(t, err)
	assert.Equal(t, "0x112a880", result.(interface{ String() string }).String())
}

func TestCallWithoutToIsInvalid(t *testing.T) {
	s := newTestServer(t)

	_, err := s.serve(context.Background(), "eth_call", rawParams(map[string]string{}))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}
