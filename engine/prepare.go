package engine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/airchains-network/evm-simulator/types"
)

const (
	// creationGasLimit is assigned to contract creations without an explicit
	// gas field; estimation is skipped for them.
	creationGasLimit = 10_000_000

	// estimationGasLimit bounds the gas-estimation probe.
	estimationGasLimit = 10_000_000

	defaultPriorityFee = 1_000_000_000 // 1 gwei
)

// PreparedTx is a fully populated typed transaction, either signed with a
// synthetic key or tagged with the sender it impersonates.
type PreparedTx struct {
	Tx     *ethtypes.Transaction
	Sender common.Address
	Signed bool
}

// prepare normalizes a loose request into a typed transaction: nonce synced
// from the overlay, gas estimated or defaulted, fees filled from the fork
// header, and the result signed or sender-tagged depending on whether the
// sender's public key is registered for impersonation.
func (e *Engine) prepare(ctx context.Context, req *types.TxRequest) (*PreparedTx, error) {
	if !common.IsHexAddress(req.From) {
		return nil, types.InvalidArgumentf("malformed `from` address %q", req.From)
	}
	from := common.HexToAddress(req.From)

	var to *common.Address
	if req.To != nil {
		if !common.IsHexAddress(*req.To) {
			return nil, types.InvalidArgumentf("malformed `to` address %q", *req.To)
		}
		addr := common.HexToAddress(*req.To)
		to = &addr
	}

	nonce := uint64(0)
	if req.Nonce != nil {
		nonce = uint64(*req.Nonce)
	} else {
		n, err := e.overlay.NonceOf(ctx, from)
		if err != nil {
			return nil, err
		}
		nonce = n
	}

	gas := uint64(0)
	switch {
	case req.Gas != nil:
		gas = uint64(*req.Gas)
	case to == nil:
		gas = creationGasLimit
	default:
		estimated, err := e.estimate(ctx, req)
		if err != nil {
			return nil, err
		}
		gas = estimated
	}

	value := new(big.Int)
	if req.Value != nil {
		value = (*big.Int)(req.Value)
	}

	var accessList ethtypes.AccessList
	if req.AccessList != nil {
		accessList = *req.AccessList
	}

	tx := e.buildTyped(req, nonce, gas, to, value, accessList)

	if e.matcher.IsRegistered(from) {
		key, err := e.matcher.SimulationKey(from)
		if err != nil {
			return nil, err
		}
		signedTx, err := ethtypes.SignTx(tx, e.signer, key)
		if err != nil {
			return nil, types.InvalidArgumentf("failed to sign transaction: %v", err)
		}
		return &PreparedTx{Tx: signedTx, Sender: from, Signed: true}, nil
	}
	return &PreparedTx{Tx: tx, Sender: from, Signed: false}, nil
}

// buildTyped selects the transaction class (0x2 dynamic-fee, 0x1
// access-list, otherwise legacy) and fills the fee fields.
func (e *Engine) buildTyped(req *types.TxRequest, nonce, gas uint64, to *common.Address, value *big.Int, accessList ethtypes.AccessList) *ethtypes.Transaction {
	baseFee := headerBaseFee(e.head)

	txType := uint64(ethtypes.DynamicFeeTxType)
	switch {
	case req.Type != nil:
		txType = uint64(*req.Type)
	case req.AccessList != nil && req.MaxFeePerGas == nil:
		txType = ethtypes.AccessListTxType
	case req.GasPrice != nil && req.MaxFeePerGas == nil:
		txType = ethtypes.LegacyTxType
	}

	tip := big.NewInt(defaultPriorityFee)
	if req.MaxPriorityFeePerGas != nil {
		tip = (*big.Int)(req.MaxPriorityFeePerGas)
	}
	gasPrice := new(big.Int).Add(baseFee, tip)
	if req.GasPrice != nil {
		gasPrice = (*big.Int)(req.GasPrice)
	}

	data := req.Payload()

	switch txType {
	case ethtypes.DynamicFeeTxType:
		feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
		if req.MaxFeePerGas != nil {
			feeCap = (*big.Int)(req.MaxFeePerGas)
		}
		return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:    e.chainID,
			Nonce:      nonce,
			GasTipCap:  tip,
			GasFeeCap:  feeCap,
			Gas:        gas,
			To:         to,
			Value:      value,
			Data:       data,
			AccessList: accessList,
		})
	case ethtypes.AccessListTxType:
		return ethtypes.NewTx(&ethtypes.AccessListTx{
			ChainID:    e.chainID,
			Nonce:      nonce,
			GasPrice:   gasPrice,
			Gas:        gas,
			To:         to,
			Value:      value,
			Data:       data,
			AccessList: accessList,
		})
	default:
		return ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       to,
			Value:    value,
			Data:     data,
		})
	}
}

// estimate runs a dynamic-fee probe with a 10M gas ceiling inside a
// checkpoint that is reverted on every path. An estimation revert is
// decorated with the decoded reason.
func (e *Engine) estimate(ctx context.Context, req *types.TxRequest) (uint64, error) {
	from := common.HexToAddress(req.From)
	to := common.HexToAddress(*req.To)

	value := new(big.Int)
	if req.Value != nil {
		value = (*big.Int)(req.Value)
	}

	msg := &core.Message{
		From:      from,
		To:        &to,
		Value:     value,
		GasLimit:  estimationGasLimit,
		GasFeeCap: big.NewInt(10),
		Data:      req.Payload(),
	}

	e.overlay.WithContext(ctx)
	e.overlay.Checkpoint()
	result, err := e.execMessage(msg, e.head)
	e.overlay.Revert()
	if err != nil {
		return 0, err
	}
	if result.Failed() {
		return 0, types.Upstreamf("gas estimation reverted: %s", DecodeRevertReason(result.Revert()))
	}
	return result.UsedGas, nil
}
