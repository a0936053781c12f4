// Package proxy adapts the simulation engine to a wire-level JSON-RPC API.
// Simulated methods are served locally; everything else, and every query the
// engine routes back to history, is forwarded to the upstream node.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/airchains-network/evm-simulator/engine"
	"github.com/airchains-network/evm-simulator/eth"
	"github.com/airchains-network/evm-simulator/types"
)

type rpcRequest struct {
	Jsonrpc string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Server routes JSON-RPC traffic between the engine and the upstream node.
type Server struct {
	engine *engine.Engine
	client *eth.Client
	log    *logrus.Logger
}

func NewServer(eng *engine.Engine, client *eth.Client, log *logrus.Logger) *Server {
	return &Server{engine: eng, client: client, log: log}
}

// Start launches the gin RPC server and the WebSocket mirror.
func (s *Server) Start(rpcPort, wsPort string) error {
	gin.SetMode(gin.ReleaseMode)

	rpcServer := gin.New()
	rpcServer.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("[GIN] %s - %s %s %d\n",
				param.TimeStamp.Format("2006-01-02 15:04:05"),
				param.Method,
				param.Path,
				param.StatusCode,
			)
		},
	}))
	rpcServer.Use(gin.Recovery())
	rpcServer.POST("/", s.handleHTTP)

	go func() {
		s.log.Infof("Starting WebSocket server on %s", wsPort)
		if err := s.startWebSocket(wsPort); err != nil {
			s.log.Errorf("WebSocket server error: %v", err)
		}
	}()

	s.log.Infof("Starting RPC server on %s", rpcPort)
	return rpcServer.Run(rpcPort)
}

func (s *Server) handleHTTP(c *gin.Context) {
	var req rpcRequest
	if err := c.BindJSON(&req); err != nil {
		s.log.Errorf("Failed to parse JSON-RPC request: %v", err)
		c.JSON(http.StatusBadRequest, rpcResponse{
			Jsonrpc: "2.0",
			Error:   &rpcError{Code: -32700, Message: "invalid JSON-RPC request"},
		})
		return
	}
	c.JSON(http.StatusOK, s.dispatch(c.Request.Context(), &req))
}

// dispatch serves a request from the engine, falling back to the upstream
// node for unknown methods and for anything the engine marks historical.
func (s *Server) dispatch(ctx context.Context, req *rpcRequest) rpcResponse {
	resp := rpcResponse{Jsonrpc: "2.0", ID: req.ID}

	result, err := s.serve(ctx, req.Method, req.Params)
	if errors.Is(err, types.ErrUseRemote) || errors.Is(err, errUnknownMethod) {
		return s.forward(ctx, req)
	}
	if err != nil {
		resp.Error = wireError(err)
		return resp
	}
	resp.Result = result
	return resp
}

func (s *Server) forward(ctx context.Context, req *rpcRequest) rpcResponse {
	resp := rpcResponse{Jsonrpc: "2.0", ID: req.ID}
	params := make([]interface{}, len(req.Params))
	for i, p := range req.Params {
		var v interface{}
		if err := json.Unmarshal(p, &v); err != nil {
			resp.Error = &rpcError{Code: -32602, Message: "invalid parameters"}
			return resp
		}
		params[i] = v
	}

	var result json.RawMessage
	if err := s.client.Forward(ctx, &result, req.Method, params...); err != nil {
		s.log.Errorf("Upstream RPC error for %s: %v", req.Method, err)
		resp.Error = &rpcError{Code: -32000, Message: err.Error()}
		return resp
	}
	resp.Result = result
	return resp
}

var errUnknownMethod = errors.New("method not handled locally")

func (s *Server) serve(ctx context.Context, method string, params []json.RawMessage) (interface{}, error) {
	switch method {
	case "eth_blockNumber":
		return hexutil.Uint64(s.engine.BlockNumber()), nil

	case "eth_call":
		req, err := txRequestParam(params, 0)
		if err != nil {
			return nil, err
		}
		res, err := s.engine.Call(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, &executionError{res.Error}
		}
		return hexutil.Encode(res.ReturnValue), nil

	case "eth_estimateGas":
		req, err := txRequestParam(params, 0)
		if err != nil {
			return nil, err
		}
		return s.engine.EstimateGas(ctx, req)

	case "eth_getBalance":
		// Block tag ignored: balances are served from the current overlay.
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		balance, err := s.engine.BalanceOf(ctx, addr)
		if err != nil {
			return nil, err
		}
		return hexutil.EncodeBig(balance), nil

	case "eth_getCode":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		code, err := s.engine.CodeOf(ctx, addr)
		if err != nil {
			return nil, err
		}
		return hexutil.Encode(code), nil

	case "eth_getStorageAt":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		slot, err := hashParam(params, 1)
		if err != nil {
			return nil, err
		}
		value, err := s.engine.StorageOf(ctx, addr, slot)
		if err != nil {
			return nil, err
		}
		return value.Hex(), nil

	case "eth_getTransactionCount":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		nonce, err := s.engine.NonceOf(ctx, addr)
		if err != nil {
			return nil, err
		}
		return hexutil.Uint64(nonce), nil

	case "eth_getBlockByNumber":
		number, err := s.blockNumberParam(params, 0)
		if err != nil {
			return nil, err
		}
		full := boolParamOr(params, 1, false)
		block, err := s.engine.BlockByNumber(number)
		if err != nil || block == nil {
			if err == nil {
				return nil, nil
			}
			return nil, err
		}
		return s.formatBlock(block, full), nil

	case "eth_getBlockByHash":
		hash, err := hashParam(params, 0)
		if err != nil {
			return nil, err
		}
		full := boolParamOr(params, 1, false)
		block, err := s.engine.BlockByHash(hash)
		if err != nil {
			return nil, err
		}
		return s.formatBlock(block, full), nil

	case "eth_getBlockTransactionCountByNumber":
		number, err := s.blockNumberParam(params, 0)
		if err != nil {
			return nil, err
		}
		block, err := s.engine.BlockByNumber(number)
		if err != nil {
			return nil, err
		}
		if block == nil {
			return nil, nil
		}
		return hexutil.Uint64(len(block.Transactions())), nil

	case "eth_getBlockTransactionCountByHash":
		hash, err := hashParam(params, 0)
		if err != nil {
			return nil, err
		}
		block, err := s.engine.BlockByHash(hash)
		if err != nil {
			return nil, err
		}
		return hexutil.Uint64(len(block.Transactions())), nil

	case "eth_getTransactionByBlockNumberAndIndex":
		number, err := s.blockNumberParam(params, 0)
		if err != nil {
			return nil, err
		}
		index, err := uint64Param(params, 1)
		if err != nil {
			return nil, err
		}
		block, err := s.engine.BlockByNumber(number)
		if err != nil || block == nil {
			return nil, err
		}
		return s.txFromBlock(block, index), nil

	case "eth_getTransactionByBlockHashAndIndex":
		hash, err := hashParam(params, 0)
		if err != nil {
			return nil, err
		}
		index, err := uint64Param(params, 1)
		if err != nil {
			return nil, err
		}
		block, err := s.engine.BlockByHash(hash)
		if err != nil {
			return nil, err
		}
		return s.txFromBlock(block, index), nil

	case "eth_getTransactionByHash":
		hash, err := stringParam(params, 0)
		if err != nil {
			return nil, err
		}
		tx := s.engine.GetTransaction(hash)
		if tx == nil {
			return nil, types.ErrUseRemote
		}
		return s.formatTransaction(tx, s.engine.GetTransactionResult(hash)), nil

	case "eth_getTransactionReceipt":
		hash, err := stringParam(params, 0)
		if err != nil {
			return nil, err
		}
		result := s.engine.GetTransactionResult(hash)
		if result == nil {
			return nil, types.ErrUseRemote
		}
		return s.formatReceipt(result), nil

	case "eth_sendTransaction":
		req, err := txRequestParam(params, 0)
		if err != nil {
			return nil, err
		}
		result, err := s.engine.Execute(ctx, req)
		if err != nil {
			return nil, err
		}
		return result.Hash, nil

	case "eth_sendRawTransaction":
		raw, err := bytesParam(params, 0)
		if err != nil {
			return nil, err
		}
		tx := new(ethtypes.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, types.InvalidArgumentf("failed to decode raw transaction: %v", err)
		}
		result, err := s.engine.ExecuteTyped(ctx, tx)
		if err != nil {
			return nil, err
		}
		return result.Hash, nil

	default:
		return nil, errUnknownMethod
	}
}

// executionError carries revert data to the wire as a -32000 error.
type executionError struct {
	exec *types.ExecError
}

func (e *executionError) Error() string {
	return e.exec.Message
}

func wireError(err error) *rpcError {
	var execErr *executionError
	if errors.As(err, &execErr) {
		return &rpcError{Code: -32000, Message: "execution reverted: " + execErr.exec.Message, Data: execErr.exec.Data}
	}
	if errors.Is(err, types.ErrInvalidArgument) {
		return &rpcError{Code: -32602, Message: err.Error()}
	}
	return &rpcError{Code: -32000, Message: err.Error()}
}

func (s *Server) txFromBlock(block *ethtypes.Block, index uint64) interface{} {
	txs := block.Transactions()
	if index >= uint64(len(txs)) {
		return nil
	}
	tx := txs[index]
	return s.formatTransaction(tx, s.engine.GetTransactionResult(tx.Hash().Hex()))
}
