package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/airchains-network/evm-simulator/types"
)

// blockContext builds the EVM block context for a (fork or synthesized)
// header. Random is non-nil so post-merge rules apply.
func (e *Engine) blockContext(header *ethtypes.Header) vm.BlockContext {
	random := common.Hash{}
	return vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     e.blockHash,
		Coinbase:    header.Coinbase,
		BlockNumber: new(big.Int).Set(header.Number),
		Time:        header.Time,
		Difficulty:  new(big.Int),
		BaseFee:     headerBaseFee(header),
		GasLimit:    header.GasLimit,
		Random:      &random,
	}
}

// blockHash serves the BLOCKHASH opcode. Simulated blocks report their real
// hash; anything older belongs to the remote chain and is spoofed with a
// deterministic stand-in rather than paying a remote round trip.
func (e *Engine) blockHash(n uint64) common.Hash {
	if block, ok := e.blocksByNumber[n]; ok {
		return block.Hash()
	}
	if n == e.forkBlock {
		return e.forkHeader.Hash()
	}
	return crypto.Keccak256Hash(new(big.Int).SetUint64(n).Bytes())
}

// execMessage runs one message against the overlay under the given header.
// Fee fields are zeroed and account checks skipped: the simulator executes
// transactions the chain would reject for funding or nonce reasons, on
// purpose. If the sender cannot cover the transferred value it is topped up
// inside the surrounding checkpoint.
func (e *Engine) execMessage(msg *core.Message, header *ethtypes.Header) (*core.ExecutionResult, error) {
	msg.GasPrice = new(big.Int)
	msg.GasFeeCap = new(big.Int)
	msg.GasTipCap = new(big.Int)
	msg.SkipAccountChecks = true

	if msg.Value != nil && msg.Value.Sign() > 0 {
		if balance := e.overlay.GetBalance(msg.From); balance.Cmp(msg.Value) < 0 {
			e.overlay.SetBalance(msg.From, msg.Value)
		}
	}

	evm := vm.NewEVM(e.blockContext(header), core.NewEVMTxContext(msg), e.overlay, e.chainConfig, vm.Config{NoBaseFee: true})
	gp := new(core.GasPool).AddGas(math.MaxUint64)
	result, err := core.ApplyMessage(evm, msg, gp)
	if err != nil {
		return nil, err
	}
	if fault := e.overlay.Error(); fault != nil {
		return nil, fault
	}
	return result, nil
}

// runOne executes a single prepared transaction and assembles its result and
// receipt. EVM exceptions land in the result; only remote faults and a
// signed transaction whose sender cannot be derived surface as errors.
func (e *Engine) runOne(p *PreparedTx, header *ethtypes.Header, txIndex int, cumulative *uint64) (*types.TxResult, error) {
	var msg *core.Message
	var err error
	if p.Signed {
		msg, err = core.TransactionToMessage(p.Tx, e.signer, headerBaseFee(header))
		if err != nil {
			return nil, types.InvalidArgumentf("failed to derive sender: %v", err)
		}
	} else {
		msg = unsignedMessage(p)
	}

	logMark := e.overlay.LogCount()
	execResult, err := e.execMessage(msg, header)
	if err != nil {
		if errors.Is(err, types.ErrUpstream) {
			return nil, err
		}
		// Consensus-level rejection (intrinsic gas and friends): carried on
		// the result like any other transaction failure.
		return e.failedResult(p, msg, err), nil
	}

	hash := e.txHash(p)
	result := &types.TxResult{
		Hash:        hash.Hex(),
		Status:      ethtypes.ReceiptStatusSuccessful,
		GasUsed:     execResult.UsedGas,
		ReturnValue: execResult.Return(),
	}
	*cumulative += execResult.UsedGas
	result.CumulativeGas = *cumulative

	if execResult.Failed() {
		result.Status = ethtypes.ReceiptStatusFailed
		result.ReturnValue = execResult.Revert()
		result.Error = execError(execResult.Err, execResult.Revert())
	}

	logs := e.overlay.LogsSince(logMark)
	receipt := &ethtypes.Receipt{
		Type:              p.Tx.Type(),
		Status:            result.Status,
		CumulativeGasUsed: result.CumulativeGas,
		TxHash:            hash,
		GasUsed:           result.GasUsed,
		BlockNumber:       new(big.Int).Set(header.Number),
		TransactionIndex:  uint(txIndex),
	}
	if msg.To == nil {
		created := crypto.CreateAddress(msg.From, msg.Nonce)
		receipt.ContractAddress = created
		result.CreatedAddress = &created
	}
	for i, l := range logs {
		l.TxHash = hash
		l.TxIndex = uint(txIndex)
		l.BlockNumber = header.Number.Uint64()
		l.Index = uint(i)
		result.Logs = append(result.Logs, types.NewLog(l))
	}
	receipt.Logs = logs
	receipt.Bloom = ethtypes.CreateBloom(ethtypes.Receipts{receipt})
	result.Receipt = receipt
	return result, nil
}

// failedResult wraps a consensus-level rejection into a zero-gas failure.
func (e *Engine) failedResult(p *PreparedTx, msg *core.Message, err error) *types.TxResult {
	hash := e.txHash(p)
	result := &types.TxResult{
		Hash:   hash.Hex(),
		Status: ethtypes.ReceiptStatusFailed,
		Error:  &types.ExecError{Message: err.Error()},
	}
	receipt := &ethtypes.Receipt{
		Type:   p.Tx.Type(),
		Status: ethtypes.ReceiptStatusFailed,
		TxHash: hash,
	}
	result.Receipt = receipt
	return result
}

// txHash returns the transaction hash for indexing. Unsigned transactions
// cannot be hashed meaningfully, so a placeholder is fabricated: 12 zero
// bytes followed by 20 random bytes.
func (e *Engine) txHash(p *PreparedTx) common.Hash {
	if p.Signed {
		return p.Tx.Hash()
	}
	var hash common.Hash
	if _, err := rand.Read(hash[12:]); err != nil {
		e.log.Errorf("failed to draw placeholder hash: %v", err)
	}
	return hash
}

// unsignedMessage builds the execution message for an unsigned transaction,
// overriding the sender with the impersonated address.
func unsignedMessage(p *PreparedTx) *core.Message {
	tx := p.Tx
	return &core.Message{
		From:       p.Sender,
		To:         tx.To(),
		Nonce:      tx.Nonce(),
		Value:      tx.Value(),
		GasLimit:   tx.Gas(),
		GasPrice:   new(big.Int),
		GasFeeCap:  new(big.Int),
		GasTipCap:  new(big.Int),
		Data:       tx.Data(),
		AccessList: tx.AccessList(),
	}
}

func execError(vmErr error, revertData []byte) *types.ExecError {
	ee := &types.ExecError{Message: vmErr.Error()}
	if errors.Is(vmErr, vm.ErrExecutionReverted) {
		ee.Message = DecodeRevertReason(revertData)
		ee.Data = hexutil.Encode(revertData)
	}
	return ee
}

// Call executes a read-only call between a checkpoint and an unconditional
// revert; no mutation persists. `to` is required, value defaults to zero.
func (e *Engine) Call(ctx context.Context, req *types.TxRequest) (*types.CallResult, error) {
	if req.To == nil {
		return nil, types.InvalidArgumentf("call requires a `to` address")
	}
	if !common.IsHexAddress(*req.To) {
		return nil, types.InvalidArgumentf("malformed `to` address %q", *req.To)
	}
	var from common.Address
	if req.From != "" {
		if !common.IsHexAddress(req.From) {
			return nil, types.InvalidArgumentf("malformed `from` address %q", req.From)
		}
		from = common.HexToAddress(req.From)
	}

	to := common.HexToAddress(*req.To)
	value := new(big.Int)
	if req.Value != nil {
		value = (*big.Int)(req.Value)
	}
	gas := uint64(50_000_000)
	if req.Gas != nil {
		gas = uint64(*req.Gas)
	}

	msg := &core.Message{
		From:     from,
		To:       &to,
		Value:    value,
		GasLimit: gas,
		Data:     req.Payload(),
	}

	e.overlay.WithContext(ctx)
	e.overlay.Checkpoint()
	execResult, err := e.execMessage(msg, e.head)
	e.overlay.Revert()
	if err != nil {
		return nil, err
	}

	res := &types.CallResult{
		ReturnValue: execResult.Return(),
		GasUsed:     execResult.UsedGas,
	}
	if execResult.Failed() {
		res.ReturnValue = execResult.Revert()
		res.Error = execError(execResult.Err, execResult.Revert())
	}
	return res, nil
}

// EstimateGas reports the gas a transaction would consume, as a hex
// quantity.
func (e *Engine) EstimateGas(ctx context.Context, req *types.TxRequest) (hexutil.Uint64, error) {
	if req.Gas != nil {
		return *req.Gas, nil
	}
	if !common.IsHexAddress(req.From) {
		return 0, types.InvalidArgumentf("malformed `from` address %q", req.From)
	}
	if req.To == nil {
		return hexutil.Uint64(creationGasLimit), nil
	}
	gas, err := e.estimate(ctx, req)
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(gas), nil
}

func newBlock(header *ethtypes.Header, txs []*ethtypes.Transaction, receipts ethtypes.Receipts) *ethtypes.Block {
	return ethtypes.NewBlock(header, txs, nil, receipts, trie.NewStackTrie(nil))
}
