package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// TxRequest is a loose transaction request as received over JSON-RPC. Fields
// left nil are populated by the preparer before execution.
type TxRequest struct {
	From                 string               `json:"from"`
	To                   *string              `json:"to,omitempty"`
	Gas                  *hexutil.Uint64      `json:"gas,omitempty"`
	GasPrice             *hexutil.Big         `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big         `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big         `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big         `json:"value,omitempty"`
	Nonce                *hexutil.Uint64      `json:"nonce,omitempty"`
	Data                 *hexutil.Bytes       `json:"data,omitempty"`
	Input                *hexutil.Bytes       `json:"input,omitempty"`
	AccessList           *ethtypes.AccessList `json:"accessList,omitempty"`
	Type                 *hexutil.Uint64      `json:"type,omitempty"`
}

// Payload returns whichever of data/input is set.
func (r *TxRequest) Payload() []byte {
	if r.Data != nil {
		return *r.Data
	}
	if r.Input != nil {
		return *r.Input
	}
	return nil
}

// Log is the {address, topics, data} triple exposed on results, all hex.
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// NewLog flattens a go-ethereum log into the triple form.
func NewLog(l *ethtypes.Log) Log {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}
	return Log{
		Address: l.Address.Hex(),
		Topics:  topics,
		Data:    hexutil.Encode(l.Data),
	}
}

// ExecError describes a transaction-level EVM failure. It is carried on the
// result, never raised.
type ExecError struct {
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// TxResult is the outcome of one executed transaction.
type TxResult struct {
	Hash           string            `json:"hash"`
	Status         uint64            `json:"status"`
	GasUsed        uint64            `json:"gasUsed"`
	CumulativeGas  uint64            `json:"cumulativeGasUsed"`
	Logs           []Log             `json:"logs"`
	CreatedAddress *common.Address   `json:"createdAddress,omitempty"`
	BlockNumber    *uint64           `json:"blockNumber,omitempty"`
	ReturnValue    []byte            `json:"-"`
	Error          *ExecError        `json:"error,omitempty"`
	Receipt        *ethtypes.Receipt `json:"-"`
}

// Failed reports whether the transaction ended in an EVM exception.
func (r *TxResult) Failed() bool {
	return r.Error != nil
}

// CallResult is the outcome of a read-only call.
type CallResult struct {
	ReturnValue []byte     `json:"returnValue"`
	GasUsed     uint64     `json:"gasUsed"`
	Error       *ExecError `json:"error,omitempty"`
}

// Account mirrors the remote view of an account at the fork block.
type Account struct {
	Balance     *big.Int
	Nonce       uint64
	CodeHash    common.Hash
	StorageRoot common.Hash
}
