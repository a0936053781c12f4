package proxy

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/airchains-network/evm-simulator/types"
)

// blockNumberParam resolves a block-tag parameter. Symbolic head tags map to
// the simulated head; hex numbers above the fork block are simulated;
// everything at or below it, and `earliest`, belongs to the remote chain.
func (s *Server) blockNumberParam(params []json.RawMessage, i int) (uint64, error) {
	tag, err := stringParam(params, i)
	if err != nil {
		return 0, err
	}
	switch tag {
	case "latest", "pending", "safe", "finalized":
		return s.engine.BlockNumber(), nil
	case "earliest":
		return 0, types.ErrUseRemote
	}

	number, err := hexutil.DecodeUint64(tag)
	if err != nil {
		return 0, types.InvalidArgumentf("bad block tag %q", tag)
	}
	if number <= s.engine.ForkBlock() {
		return 0, types.ErrUseRemote
	}
	return number, nil
}

func stringParam(params []json.RawMessage, i int) (string, error) {
	if i >= len(params) {
		return "", types.InvalidArgumentf("missing parameter %d", i)
	}
	var v string
	if err := json.Unmarshal(params[i], &v); err != nil {
		return "", types.InvalidArgumentf("parameter %d is not a string", i)
	}
	return v, nil
}

func addressParam(params []json.RawMessage, i int) (common.Address, error) {
	v, err := stringParam(params, i)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, types.InvalidArgumentf("malformed address %q", v)
	}
	return common.HexToAddress(v), nil
}

func hashParam(params []json.RawMessage, i int) (common.Hash, error) {
	v, err := stringParam(params, i)
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(v), nil
}

func bytesParam(params []json.RawMessage, i int) ([]byte, error) {
	v, err := stringParam(params, i)
	if err != nil {
		return nil, err
	}
	raw, err := hexutil.Decode(v)
	if err != nil {
		return nil, types.InvalidArgumentf("parameter %d is not hex data: %v", i, err)
	}
	return raw, nil
}

func uint64Param(params []json.RawMessage, i int) (uint64, error) {
	v, err := stringParam(params, i)
	if err != nil {
		return 0, err
	}
	n, err := hexutil.DecodeUint64(v)
	if err != nil {
		return 0, types.InvalidArgumentf("parameter %d is not a hex quantity", i)
	}
	return n, nil
}

func boolParamOr(params []json.RawMessage, i int, fallback bool) bool {
	if i >= len(params) {
		return fallback
	}
	var v bool
	if err := json.Unmarshal(params[i], &v); err != nil {
		return fallback
	}
	return v
}

func txRequestParam(params []json.RawMessage, i int) (*types.TxRequest, error) {
	if i >= len(params) {
		return nil, types.InvalidArgumentf("missing transaction parameter")
	}
	var req types.TxRequest
	if err := json.Unmarshal(params[i], &req); err != nil {
		return nil, types.InvalidArgumentf("malformed transaction object: %v", err)
	}
	return &req, nil
}

func (s *Server) formatBlock(block *ethtypes.Block, full bool) map[string]interface{} {
	header := block.Header()
	out := map[string]interface{}{
		"number":           hexutil.EncodeUint64(header.Number.Uint64()),
		"hash":             block.Hash().Hex(),
		"parentHash":       header.ParentHash.Hex(),
		"nonce":            "0x0000000000000000",
		"sha3Uncles":       ethtypes.EmptyUncleHash.Hex(),
		"logsBloom":        hexutil.Encode(header.Bloom.Bytes()),
		"transactionsRoot": header.TxHash.Hex(),
		"stateRoot":        header.Root.Hex(),
		"receiptsRoot":     header.ReceiptHash.Hex(),
		"miner":            header.Coinbase.Hex(),
		"difficulty":       "0x0",
		"extraData":        hexutil.Encode(header.Extra),
		"size":             hexutil.EncodeUint64(block.Size()),
		"gasLimit":         hexutil.EncodeUint64(header.GasLimit),
		"gasUsed":          hexutil.EncodeUint64(header.GasUsed),
		"timestamp":        hexutil.EncodeUint64(header.Time),
		"uncles":           []string{},
	}
	if header.BaseFee != nil {
		out["baseFeePerGas"] = hexutil.EncodeBig(header.BaseFee)
	}

	if full {
		txs := make([]interface{}, 0, len(block.Transactions()))
		for _, tx := range block.Transactions() {
			txs = append(txs, s.formatTransaction(tx, s.engine.GetTransactionResult(tx.Hash().Hex())))
		}
		out["transactions"] = txs
	} else {
		hashes := make([]string, 0, len(block.Transactions()))
		for _, tx := range block.Transactions() {
			hashes = append(hashes, tx.Hash().Hex())
		}
		out["transactions"] = hashes
	}
	return out
}

func (s *Server) formatTransaction(tx *ethtypes.Transaction, result *types.TxResult) map[string]interface{} {
	v, r, q := tx.RawSignatureValues()
	out := map[string]interface{}{
		"hash":     tx.Hash().Hex(),
		"nonce":    hexutil.EncodeUint64(tx.Nonce()),
		"gas":      hexutil.EncodeUint64(tx.Gas()),
		"gasPrice": hexutil.EncodeBig(tx.GasPrice()),
		"input":    hexutil.Encode(tx.Data()),
		"value":    hexutil.EncodeBig(tx.Value()),
		"type":     hexutil.EncodeUint64(uint64(tx.Type())),
		"v":        hexutil.EncodeBig(v),
		"r":        hexutil.EncodeBig(r),
		"s":        hexutil.EncodeBig(q),
	}
	if tx.To() != nil {
		out["to"] = tx.To().Hex()
	} else {
		out["to"] = nil
	}
	if tx.Type() == ethtypes.DynamicFeeTxType {
		out["maxFeePerGas"] = hexutil.EncodeBig(tx.GasFeeCap())
		out["maxPriorityFeePerGas"] = hexutil.EncodeBig(tx.GasTipCap())
	}
	if result != nil {
		out["hash"] = strings.ToLower(result.Hash)
		if result.BlockNumber != nil {
			out["blockNumber"] = hexutil.EncodeUint64(*result.BlockNumber)
		}
	}
	return out
}

func (s *Server) formatReceipt(result *types.TxResult) map[string]interface{} {
	out := map[string]interface{}{
		"transactionHash":   strings.ToLower(result.Hash),
		"status":            hexutil.EncodeUint64(result.Status),
		"gasUsed":           hexutil.EncodeUint64(result.GasUsed),
		"cumulativeGasUsed": hexutil.EncodeUint64(result.CumulativeGas),
		"logs":              result.Logs,
	}
	if result.BlockNumber != nil {
		out["blockNumber"] = hexutil.EncodeUint64(*result.BlockNumber)
	}
	if result.CreatedAddress != nil {
		out["contractAddress"] = result.CreatedAddress.Hex()
	}
	if result.Receipt != nil {
		out["logsBloom"] = hexutil.Encode(result.Receipt.Bloom.Bytes())
		out["transactionIndex"] = hexutil.EncodeUint64(uint64(result.Receipt.TransactionIndex))
		out["type"] = hexutil.EncodeUint64(uint64(result.Receipt.Type))
	}
	if result.Error != nil {
		out["error"] = result.Error
	}
	return out
}
