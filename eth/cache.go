package eth

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/airchains-network/evm-simulator/types"
)

// Cache memoizes fork-pinned remote reads on disk. Entries are keyed by the
// fork block, so a cache can safely outlive the process: the data it holds is
// immutable chain history, not simulator state.
type Cache struct {
	db *leveldb.DB
}

// NewCache opens (or creates) a cache at the given path.
func NewCache(path string) (*Cache, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{ErrorIfMissing: false})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %v", err)
	}
	return &Cache{db: db}, nil
}

type cachedAccount struct {
	Balance     *big.Int
	Nonce       uint64
	CodeHash    common.Hash
	StorageRoot common.Hash
}

func accountKey(block uint64, addr common.Address) []byte {
	return []byte(fmt.Sprintf("acct:%d:%s", block, addr.Hex()))
}

func codeKey(block uint64, addr common.Address) []byte {
	return []byte(fmt.Sprintf("code:%d:%s", block, addr.Hex()))
}

func storageKey(block uint64, addr common.Address, slot common.Hash) []byte {
	return []byte(fmt.Sprintf("slot:%d:%s:%s", block, addr.Hex(), slot.Hex()))
}

func (c *Cache) Account(block uint64, addr common.Address) (*types.Account, bool) {
	data, err := c.db.Get(accountKey(block, addr), nil)
	if err != nil {
		return nil, false
	}
	var acc cachedAccount
	if err := rlp.DecodeBytes(data, &acc); err != nil {
		return nil, false
	}
	return &types.Account{
		Balance:     acc.Balance,
		Nonce:       acc.Nonce,
		CodeHash:    acc.CodeHash,
		StorageRoot: acc.StorageRoot,
	}, true
}

func (c *Cache) PutAccount(block uint64, addr common.Address, acc *types.Account) {
	data, err := rlp.EncodeToBytes(&cachedAccount{
		Balance:     acc.Balance,
		Nonce:       acc.Nonce,
		CodeHash:    acc.CodeHash,
		StorageRoot: acc.StorageRoot,
	})
	if err != nil {
		return
	}
	c.db.Put(accountKey(block, addr), data, nil)
}

func (c *Cache) Code(block uint64, addr common.Address) ([]byte, bool) {
	data, err := c.db.Get(codeKey(block, addr), nil)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Cache) PutCode(block uint64, addr common.Address, code []byte) {
	c.db.Put(codeKey(block, addr), code, nil)
}

func (c *Cache) Storage(block uint64, addr common.Address, slot common.Hash) (common.Hash, bool) {
	data, err := c.db.Get(storageKey(block, addr, slot), nil)
	if err != nil {
		return common.Hash{}, false
	}
	return common.BytesToHash(data), true
}

func (c *Cache) PutStorage(block uint64, addr common.Address, slot, value common.Hash) {
	c.db.Put(storageKey(block, addr, slot), value.Bytes(), nil)
}

// Close shuts down the cache database.
func (c *Cache) Close() error {
	return c.db.Close()
}
