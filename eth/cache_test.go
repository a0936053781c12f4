package eth

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airchains-network/evm-simulator/types"
)

func TestCacheRoundTrip(t *testing.T) {
	cache, err := NewCache(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	defer cache.Close()

	addr := common.HexToAddress("0x01")
	block := uint64(18_000_000)

	_, ok := cache.Account(block, addr)
	assert.False(t, ok)

	acc := &types.Account{
		Balance:     big.NewInt(1234),
		Nonce:       7,
		CodeHash:    common.HexToHash("0xaa"),
		StorageRoot: common.HexToHash("0xbb"),
	}
	cache.PutAccount(block, addr, acc)

	got, ok := cache.Account(block, addr)
	require.True(t, ok)
	assert.Equal(t, acc.Balance, got.Balance)
	assert.Equal(t, acc.Nonce, got.Nonce)
	assert.Equal(t, acc.CodeHash, got.CodeHash)
	assert.Equal(t, acc.StorageRoot, got.StorageRoot)

	// Entries are keyed by fork block.
	_, ok = cache.Account(block+1, addr)
	assert.False(t, ok)

	code := []byte{0x60, 0x2a}
	cache.PutCode(block, addr, code)
	gotCode, ok := cache.Code(block, addr)
	require.True(t, ok)
	assert.Equal(t, code, gotCode)

	slot := common.HexToHash("0x01")
	value := common.HexToHash("0x2a")
	cache.PutStorage(block, addr, slot, value)
	gotValue, ok := cache.Storage(block, addr, slot)
	require.True(t, ok)
	assert.Equal(t, value, gotValue)
}
