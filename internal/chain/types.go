package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int             `json:"id"`
}

// RPCError is an error returned by the node itself, distinct from a
// transport failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Receipt is a confirmed transaction receipt.
type Receipt struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"` // "0x1" success, "0x0" failure
	BlockNumber     string `json:"blockNumber"`
	Logs            []Log  `json:"logs"`
}

// Succeeded reports whether execution completed without reverting.
func (r *Receipt) Succeeded() bool {
	return r.Status == "0x1"
}

// BlockNumberUint returns the verified block number.
func (r *Receipt) BlockNumberUint() (uint64, error) {
	return parseHexUint(r.BlockNumber)
}

// Log is one event-log entry: emitting contract address, indexed topics and
// the raw data payload.
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// TopicAddress extracts the 20-byte address from a right-padded 32-byte
// topic (the last 20 bytes are significant).
func (l Log) TopicAddress(index int) (string, error) {
	if index >= len(l.Topics) {
		return "", fmt.Errorf("topic index %d out of range", index)
	}
	topic := strings.TrimPrefix(strings.ToLower(l.Topics[index]), "0x")
	if len(topic) != 64 {
		return "", fmt.Errorf("topic length %d, want 64 hex chars", len(topic))
	}
	return "0x" + topic[24:], nil
}

// DataAmount parses the data payload as a big-endian unsigned integer.
func (l Log) DataAmount() (*big.Int, error) {
	data := strings.TrimPrefix(strings.ToLower(l.Data), "0x")
	if data == "" {
		return nil, fmt.Errorf("empty log data")
	}
	amount, ok := new(big.Int).SetString(data, 16)
	if !ok {
		return nil, fmt.Errorf("invalid log data %q", l.Data)
	}
	return amount, nil
}

func parseHexUint(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(s), "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	var value uint64
	if _, err := fmt.Sscanf(trimmed, "%x", &value); err != nil {
		return 0, fmt.Errorf("invalid hex quantity %q: %w", s, err)
	}
	return value, nil
}
