package state

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"

	"github.com/airchains-network/evm-simulator/types"
)

// RemoteReader is the slice of the remote chain adapter the overlay needs:
// account, code and storage reads pinned at the fork block.
type RemoteReader interface {
	AccountAt(ctx context.Context, addr common.Address) (*types.Account, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	StorageAt(ctx context.Context, addr common.Address, key common.Hash) (common.Hash, error)
}

type slotKey struct {
	addr common.Address
	key  common.Hash
}

// accountEntry is the overlay's view of one account inside a single layer.
type accountEntry struct {
	balance        *big.Int
	nonce          uint64
	codeHash       common.Hash
	destroyed      bool
	storageCleared bool
}

func (e *accountEntry) clone() *accountEntry {
	c := *e
	c.balance = new(big.Int).Set(e.balance)
	// The clearing mask belongs to the layer where the account was created or
	// destroyed; a clone made for a later balance/nonce write must not mask
	// storage written in between.
	c.storageCleared = false
	return &c
}

// layer is one copy-on-write level of the overlay. layers[0] caches remote
// state faulted in on demand; layer 1 holds the session's direct writes and
// committed results; everything above belongs to checkpoints and EVM
// snapshots.
type layer struct {
	accounts map[common.Address]*accountEntry
	code     map[common.Address][]byte
	storage  map[slotKey]common.Hash

	prevRefund uint64
	logsLen    int

	addedAddrs    []common.Address
	addedSlots    []slotKey
	transientPrev map[slotKey]common.Hash
}

func newLayer(refund uint64, logsLen int) *layer {
	return &layer{
		accounts:      make(map[common.Address]*accountEntry),
		code:          make(map[common.Address][]byte),
		storage:       make(map[slotKey]common.Hash),
		prevRefund:    refund,
		logsLen:       logsLen,
		transientPrev: make(map[slotKey]common.Hash),
	}
}

// Overlay is a lazily populated, copy-on-write state on top of immutable
// remote state. It implements go-ethereum's vm.StateDB and adds nestable
// checkpoint/commit/revert plus the deployed-code revert policy.
type Overlay struct {
	remote RemoteReader
	log    *logrus.Logger
	ctx    context.Context

	layers      []*layer
	checkpoints []int

	refund uint64
	logs   []*ethtypes.Log

	// Per-transaction structures, reset by Prepare.
	accessAddrs   map[common.Address]struct{}
	accessSlots   map[slotKey]struct{}
	transient     map[slotKey]common.Hash
	txOrigin      map[slotKey]common.Hash
	createdThisTx map[common.Address]struct{}

	// deployed is the deployed-code registry: every SetCode lands here and is
	// replayed after a revert so simulated deployments outlive transaction
	// rollbacks. Never cleared for the life of the overlay.
	deployed map[common.Address][]byte

	// created tracks addresses first seen as simulated creations; their
	// storage and code never fall back to the remote chain.
	created map[common.Address]struct{}

	fault error
}

var _ vm.StateDB = (*Overlay)(nil)

// NewOverlay builds an overlay over the given remote reader.
func NewOverlay(remote RemoteReader, log *logrus.Logger) *Overlay {
	o := &Overlay{
		remote:        remote,
		log:           log,
		ctx:           context.Background(),
		accessAddrs:   make(map[common.Address]struct{}),
		accessSlots:   make(map[slotKey]struct{}),
		transient:     make(map[slotKey]common.Hash),
		txOrigin:      make(map[slotKey]common.Hash),
		createdThisTx: make(map[common.Address]struct{}),
		deployed:      make(map[common.Address][]byte),
		created:       make(map[common.Address]struct{}),
	}
	o.layers = []*layer{newLayer(0, 0), newLayer(0, 0)}
	return o
}

// WithContext sets the context used for remote reads issued by state faults.
func (o *Overlay) WithContext(ctx context.Context) {
	o.ctx = ctx
}

// Error returns the first remote fault observed, if any. The vm.StateDB
// surface cannot return errors, so faults are recorded here and checked by
// the engine after each operation.
func (o *Overlay) Error() error {
	return o.fault
}

func (o *Overlay) setFault(err error) {
	if o.fault == nil {
		o.fault = err
	}
}

func (o *Overlay) top() *layer {
	return o.layers[len(o.layers)-1]
}

func keccak256(data []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return common.BytesToHash(h.Sum(nil))
}

// lookupAccount walks the layer stack without faulting in remote state.
func (o *Overlay) lookupAccount(addr common.Address) (*accountEntry, bool) {
	for i := len(o.layers) - 1; i >= 0; i-- {
		if e, ok := o.layers[i].accounts[addr]; ok {
			return e, true
		}
	}
	return nil, false
}

// getAccount returns the effective account, faulting a miss in from the
// remote chain into the base layer. Remote state is immutable, so the base
// layer survives every revert.
func (o *Overlay) getAccount(addr common.Address) *accountEntry {
	if e, ok := o.lookupAccount(addr); ok {
		return e
	}
	if _, ok := o.created[addr]; ok {
		e := &accountEntry{balance: new(big.Int), codeHash: ethtypes.EmptyCodeHash}
		o.layers[0].accounts[addr] = e
		return e
	}

	acc, err := o.remote.AccountAt(o.ctx, addr)
	if err != nil {
		o.setFault(err)
		return &accountEntry{balance: new(big.Int), codeHash: ethtypes.EmptyCodeHash}
	}

	e := &accountEntry{
		balance:  new(big.Int).Set(acc.Balance),
		nonce:    acc.Nonce,
		codeHash: acc.CodeHash,
	}
	// Some endpoints report a zero code hash where the EVM expects the
	// empty-code marker.
	if e.codeHash == (common.Hash{}) {
		e.codeHash = ethtypes.EmptyCodeHash
	}
	o.layers[0].accounts[addr] = e
	return e
}

// mutableAccount clones the effective account into the top layer.
func (o *Overlay) mutableAccount(addr common.Address) *accountEntry {
	top := o.top()
	if e, ok := top.accounts[addr]; ok {
		return e
	}
	e := o.getAccount(addr).clone()
	top.accounts[addr] = e
	return e
}

// vm.StateDB: accounts

func (o *Overlay) CreateAccount(addr common.Address) {
	prev := o.getAccount(addr)
	e := &accountEntry{
		balance:        new(big.Int).Set(prev.balance),
		codeHash:       ethtypes.EmptyCodeHash,
		storageCleared: true,
	}
	o.top().accounts[addr] = e
	o.created[addr] = struct{}{}
	o.createdThisTx[addr] = struct{}{}
}

func (o *Overlay) GetBalance(addr common.Address) *big.Int {
	return new(big.Int).Set(o.getAccount(addr).balance)
}

func (o *Overlay) AddBalance(addr common.Address, amount *big.Int) {
	e := o.mutableAccount(addr)
	e.balance = new(big.Int).Add(e.balance, amount)
}

func (o *Overlay) SubBalance(addr common.Address, amount *big.Int) {
	e := o.mutableAccount(addr)
	e.balance = new(big.Int).Sub(e.balance, amount)
}

// SetBalance is a direct overlay write used by the engine's state-mutation
// helpers; it does not open a checkpoint.
func (o *Overlay) SetBalance(addr common.Address, balance *big.Int) {
	e := o.mutableAccount(addr)
	e.balance = new(big.Int).Set(balance)
}

func (o *Overlay) GetNonce(addr common.Address) uint64 {
	return o.getAccount(addr).nonce
}

func (o *Overlay) SetNonce(addr common.Address, nonce uint64) {
	o.mutableAccount(addr).nonce = nonce
}

// NonceOf reads the account nonce and surfaces any remote fault, for use by
// the transaction preparer.
func (o *Overlay) NonceOf(ctx context.Context, addr common.Address) (uint64, error) {
	o.WithContext(ctx)
	nonce := o.GetNonce(addr)
	if o.fault != nil {
		return 0, o.fault
	}
	return nonce, nil
}

func (o *Overlay) GetCodeHash(addr common.Address) common.Hash {
	return o.getAccount(addr).codeHash
}

func (o *Overlay) GetCode(addr common.Address) []byte {
	e := o.getAccount(addr)
	if e.codeHash == ethtypes.EmptyCodeHash {
		return nil
	}
	for i := len(o.layers) - 1; i >= 0; i-- {
		if code, ok := o.layers[i].code[addr]; ok {
			return code
		}
	}
	if _, ok := o.created[addr]; ok {
		return nil
	}

	code, err := o.remote.CodeAt(o.ctx, addr)
	if err != nil {
		o.setFault(err)
		return nil
	}
	o.layers[0].code[addr] = code
	return code
}

func (o *Overlay) SetCode(addr common.Address, code []byte) {
	e := o.mutableAccount(addr)
	e.codeHash = keccak256(code)
	o.top().code[addr] = code
	o.created[addr] = struct{}{}
	o.deployed[addr] = code
}

func (o *Overlay) GetCodeSize(addr common.Address) int {
	return len(o.GetCode(addr))
}

// vm.StateDB: storage

func (o *Overlay) GetState(addr common.Address, key common.Hash) common.Hash {
	sk := slotKey{addr, key}
	for i := len(o.layers) - 1; i >= 0; i-- {
		if v, ok := o.layers[i].storage[sk]; ok {
			return v
		}
		if e, ok := o.layers[i].accounts[addr]; ok && e.storageCleared {
			return common.Hash{}
		}
	}
	if _, ok := o.created[addr]; ok {
		return common.Hash{}
	}

	v, err := o.remote.StorageAt(o.ctx, addr, key)
	if err != nil {
		o.setFault(err)
		return common.Hash{}
	}
	o.layers[0].storage[sk] = v
	return v
}

func (o *Overlay) GetCommittedState(addr common.Address, key common.Hash) common.Hash {
	if v, ok := o.txOrigin[slotKey{addr, key}]; ok {
		return v
	}
	return o.GetState(addr, key)
}

func (o *Overlay) SetState(addr common.Address, key, value common.Hash) {
	sk := slotKey{addr, key}
	if _, ok := o.txOrigin[sk]; !ok {
		o.txOrigin[sk] = o.GetState(addr, key)
	}
	o.top().storage[sk] = value
}

// SetStorage is the direct overlay write used by the engine's state-mutation
// helpers.
func (o *Overlay) SetStorage(addr common.Address, key, value common.Hash) {
	o.top().storage[slotKey{addr, key}] = value
}

// vm.StateDB: transient storage

func (o *Overlay) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return o.transient[slotKey{addr, key}]
}

func (o *Overlay) SetTransientState(addr common.Address, key, value common.Hash) {
	sk := slotKey{addr, key}
	top := o.top()
	if _, ok := top.transientPrev[sk]; !ok {
		top.transientPrev[sk] = o.transient[sk]
	}
	if value == (common.Hash{}) {
		delete(o.transient, sk)
	} else {
		o.transient[sk] = value
	}
}

// vm.StateDB: self-destruct and existence

func (o *Overlay) SelfDestruct(addr common.Address) {
	e := o.mutableAccount(addr)
	e.destroyed = true
	e.storageCleared = true
	e.balance = new(big.Int)
}

func (o *Overlay) HasSelfDestructed(addr common.Address) bool {
	if e, ok := o.lookupAccount(addr); ok {
		return e.destroyed
	}
	return false
}

func (o *Overlay) Selfdestruct6780(addr common.Address) {
	if _, ok := o.createdThisTx[addr]; ok {
		o.SelfDestruct(addr)
	}
}

func (o *Overlay) Exist(addr common.Address) bool {
	return !o.Empty(addr)
}

func (o *Overlay) Empty(addr common.Address) bool {
	e := o.getAccount(addr)
	return e.balance.Sign() == 0 && e.nonce == 0 && e.codeHash == ethtypes.EmptyCodeHash
}

// vm.StateDB: refunds

func (o *Overlay) AddRefund(amount uint64) {
	o.refund += amount
}

func (o *Overlay) SubRefund(amount uint64) {
	if amount > o.refund {
		o.log.Errorf("refund counter below zero (%d > %d)", amount, o.refund)
		o.refund = 0
		return
	}
	o.refund -= amount
}

func (o *Overlay) GetRefund() uint64 {
	return o.refund
}

// vm.StateDB: logs and preimages

func (o *Overlay) AddLog(l *ethtypes.Log) {
	o.logs = append(o.logs, l)
}

// LogCount returns the number of logs accumulated so far; the engine brackets
// each transaction with it to slice out per-transaction logs.
func (o *Overlay) LogCount() int {
	return len(o.logs)
}

// LogsSince returns the logs appended after the given mark.
func (o *Overlay) LogsSince(mark int) []*ethtypes.Log {
	return o.logs[mark:]
}

func (o *Overlay) AddPreimage(common.Hash, []byte) {}

// vm.StateDB: access lists

func (o *Overlay) AddressInAccessList(addr common.Address) bool {
	_, ok := o.accessAddrs[addr]
	return ok
}

func (o *Overlay) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	_, addrOk := o.accessAddrs[addr]
	_, slotOk := o.accessSlots[slotKey{addr, slot}]
	return addrOk, slotOk
}

func (o *Overlay) AddAddressToAccessList(addr common.Address) {
	if _, ok := o.accessAddrs[addr]; ok {
		return
	}
	o.accessAddrs[addr] = struct{}{}
	top := o.top()
	top.addedAddrs = append(top.addedAddrs, addr)
}

func (o *Overlay) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	o.AddAddressToAccessList(addr)
	sk := slotKey{addr, slot}
	if _, ok := o.accessSlots[sk]; ok {
		return
	}
	o.accessSlots[sk] = struct{}{}
	top := o.top()
	top.addedSlots = append(top.addedSlots, sk)
}

// Prepare resets the per-transaction structures and seeds the access list per
// the active rule set.
func (o *Overlay) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses ethtypes.AccessList) {
	o.accessAddrs = make(map[common.Address]struct{})
	o.accessSlots = make(map[slotKey]struct{})
	o.transient = make(map[slotKey]common.Hash)
	o.txOrigin = make(map[slotKey]common.Hash)
	o.createdThisTx = make(map[common.Address]struct{})
	for i := range o.layers {
		o.layers[i].addedAddrs = nil
		o.layers[i].addedSlots = nil
		o.layers[i].transientPrev = make(map[slotKey]common.Hash)
	}

	if rules.IsBerlin {
		o.AddAddressToAccessList(sender)
		if dest != nil {
			o.AddAddressToAccessList(*dest)
		}
		for _, addr := range precompiles {
			o.AddAddressToAccessList(addr)
		}
		for _, el := range txAccesses {
			o.AddAddressToAccessList(el.Address)
			for _, key := range el.StorageKeys {
				o.AddSlotToAccessList(el.Address, key)
			}
		}
		if rules.IsShanghai {
			o.AddAddressToAccessList(coinbase)
		}
	}
}

// vm.StateDB: snapshots

func (o *Overlay) Snapshot() int {
	id := len(o.layers)
	o.layers = append(o.layers, newLayer(o.refund, len(o.logs)))
	return id
}

func (o *Overlay) RevertToSnapshot(id int) {
	for len(o.layers) > id {
		o.discardTop()
	}
}

func (o *Overlay) discardTop() {
	top := o.top()
	o.refund = top.prevRefund
	o.logs = o.logs[:top.logsLen]
	for _, addr := range top.addedAddrs {
		delete(o.accessAddrs, addr)
	}
	for _, sk := range top.addedSlots {
		delete(o.accessSlots, sk)
	}
	for sk, prev := range top.transientPrev {
		if prev == (common.Hash{}) {
			delete(o.transient, sk)
		} else {
			o.transient[sk] = prev
		}
	}
	o.layers = o.layers[:len(o.layers)-1]
}

// Checkpoint opens a nestable save-point. Every checkpoint must be closed by
// exactly one Commit or Revert on every exit path.
func (o *Overlay) Checkpoint() {
	o.checkpoints = append(o.checkpoints, len(o.layers))
	o.layers = append(o.layers, newLayer(o.refund, len(o.logs)))
}

// Commit flattens everything written since the matching Checkpoint into the
// enclosing layer.
func (o *Overlay) Commit() {
	mark := o.popCheckpoint()
	parent := o.layers[mark-1]
	for i := mark; i < len(o.layers); i++ {
		mergeLayer(parent, o.layers[i])
	}
	o.layers = o.layers[:mark]
}

// Revert discards everything written since the matching Checkpoint, then
// replays the deployed-code registry so simulated deployments survive.
func (o *Overlay) Revert() {
	mark := o.popCheckpoint()
	for len(o.layers) > mark {
		o.discardTop()
	}
	for addr, code := range o.deployed {
		e := o.mutableAccount(addr)
		e.codeHash = keccak256(code)
		o.top().code[addr] = code
	}
}

func (o *Overlay) popCheckpoint() int {
	if len(o.checkpoints) == 0 {
		o.log.Error("commit/revert without a matching checkpoint")
		return 1
	}
	mark := o.checkpoints[len(o.checkpoints)-1]
	o.checkpoints = o.checkpoints[:len(o.checkpoints)-1]
	return mark
}

func mergeLayer(parent, child *layer) {
	for addr, e := range child.accounts {
		if e.storageCleared {
			for sk := range parent.storage {
				if sk.addr == addr {
					delete(parent.storage, sk)
				}
			}
		}
		parent.accounts[addr] = e
	}
	for addr, code := range child.code {
		parent.code[addr] = code
	}
	for sk, v := range child.storage {
		parent.storage[sk] = v
	}
	parent.addedAddrs = append(parent.addedAddrs, child.addedAddrs...)
	parent.addedSlots = append(parent.addedSlots, child.addedSlots...)
	for sk, prev := range child.transientPrev {
		if _, ok := parent.transientPrev[sk]; !ok {
			parent.transientPrev[sk] = prev
		}
	}
}

// DeployedCode returns the registry entry for an address, if any.
func (o *Overlay) DeployedCode(addr common.Address) ([]byte, bool) {
	code, ok := o.deployed[addr]
	return code, ok
}
