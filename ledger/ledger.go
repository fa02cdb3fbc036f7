package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeromeintilalim/VoteChain/common"
)

// Failure kinds surfaced by the gateway; unreachable and timeout are
// retryable by policy, rejected is terminal for the attempt
var (
	ErrUnreachable = errors.New("ledger unreachable")
	ErrRejected    = errors.New("ledger rejected transaction")
	ErrTimeout     = errors.New("ledger submission timed out")
)

// Receipt is the tagged result of a confirmed ledger submission
type Receipt struct {
	TxHash    string `json:"tx_hash"`
	Confirmed bool   `json:"confirmed"`
}

// Gateway is the contract the anchoring pipeline depends on. Signing is
// client-side; the gateway only estimates cost for the setMerkleRoot call and
// relays pre-signed transactions, so it never holds key material.
type Gateway interface {
	EstimateCost(ctx context.Context, electionID, root string) (float64, error)
	SubmitAndAwait(ctx context.Context, electionID, root, signedTx string) (*Receipt, error)
}

// setMerkleRoot(uint256,string)
const setMerkleRootSelector = "0ff03bef"

var receiptPollInterval = time.Second * 3

// JSONRPCGateway anchors roots through a JSON-RPC endpoint using an explicitly
// constructed client; nothing here reads ambient configuration
type JSONRPCGateway struct {
	client          *http.Client
	rpcURL          string
	contractAddress string
}

// NewGateway returns a ledger gateway for the given configuration
func NewGateway(cfg *common.GatewayConfig) *JSONRPCGateway {
	return &JSONRPCGateway{
		client: &http.Client{
			Timeout: time.Second * 30,
		},
		rpcURL:          cfg.BaseURL,
		contractAddress: cfg.ContractAddress,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (g *JSONRPCGateway) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, ErrUnreachable
	}
	defer resp.Body.Close()

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, ErrUnreachable
	}

	if parsed.Error != nil {
		common.Log.Warningf("ledger rpc %s failed; code: %d; %s", method, parsed.Error.Code, parsed.Error.Message)
		return nil, ErrRejected
	}

	return parsed.Result, nil
}

// encodeSetMerkleRootCall ABI-encodes setMerkleRoot(electionId, root); the
// election id is the 32-byte hash of the join code, the root a dynamic string
func encodeSetMerkleRootCall(electionID, root string) (string, error) {
	idBytes, err := hex.DecodeString(strings.TrimPrefix(electionID, "0x"))
	if err != nil || len(idBytes) != 32 {
		return "", fmt.Errorf("election id must be a 32-byte hex string; got %s", electionID)
	}

	buf := &bytes.Buffer{}
	buf.Write(idBytes)

	// offset of the dynamic string argument
	offset := make([]byte, 32)
	offset[31] = 0x40
	buf.Write(offset)

	length := make([]byte, 32)
	length[31] = byte(len(root))
	buf.Write(length)

	padded := make([]byte, ((len(root)+31)/32)*32)
	copy(padded, root)
	buf.Write(padded)

	return fmt.Sprintf("0x%s%s", setMerkleRootSelector, hex.EncodeToString(buf.Bytes())), nil
}

// EstimateCost estimates the gas required to anchor the given root
func (g *JSONRPCGateway) EstimateCost(ctx context.Context, electionID, root string) (float64, error) {
	data, err := encodeSetMerkleRootCall(electionID, root)
	if err != nil {
		return 0, err
	}

	result, err := g.call(ctx, "eth_estimateGas", map[string]interface{}{
		"to":   g.contractAddress,
		"data": data,
	})
	if err != nil {
		return 0, err
	}

	var gasHex string
	if err := json.Unmarshal(result, &gasHex); err != nil {
		return 0, ErrUnreachable
	}

	gas, err := strconv.ParseUint(strings.TrimPrefix(gasHex, "0x"), 16, 64)
	if err != nil {
		return 0, ErrUnreachable
	}

	return float64(gas), nil
}

// SubmitAndAwait relays the client-signed anchoring transaction and polls for
// its receipt until it confirms or the caller-supplied context expires. A
// timed-out submission is never retried here; resubmission is an explicit,
// idempotent-by-root decision made by the caller.
func (g *JSONRPCGateway) SubmitAndAwait(ctx context.Context, electionID, root, signedTx string) (*Receipt, error) {
	result, err := g.call(ctx, "eth_sendRawTransaction", signedTx)
	if err != nil {
		return nil, err
	}

	var txHash string
	if err := json.Unmarshal(result, &txHash); err != nil {
		return nil, ErrUnreachable
	}

	common.Log.Debugf("relayed anchoring tx %s for election id %s; root: %s", txHash, electionID, root)

	for {
		select {
		case <-ctx.Done():
			return &Receipt{TxHash: txHash, Confirmed: false}, ErrTimeout
		case <-time.After(receiptPollInterval):
		}

		result, err = g.call(ctx, "eth_getTransactionReceipt", txHash)
		if err == ErrRejected {
			return &Receipt{TxHash: txHash, Confirmed: false}, ErrRejected
		}
		if err != nil {
			continue
		}

		var receipt struct {
			Status *string `json:"status"`
		}
		if err := json.Unmarshal(result, &receipt); err != nil || receipt.Status == nil {
			continue
		}

		if *receipt.Status == "0x1" {
			return &Receipt{TxHash: txHash, Confirmed: true}, nil
		}

		return &Receipt{TxHash: txHash, Confirmed: false}, ErrRejected
	}
}
