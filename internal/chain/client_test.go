package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func rpcServer(t *testing.T, handler func(req RPCRequest) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(handler(req)); err != nil {
			t.Errorf("encode rpc response: %v", err)
		}
	}))
}

func TestTransactionReceipt(t *testing.T) {
	srv := rpcServer(t, func(req RPCRequest) interface{} {
		if req.Method != "eth_getTransactionReceipt" {
			t.Errorf("method = %s, want eth_getTransactionReceipt", req.Method)
		}
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": map[string]interface{}{
				"transactionHash": "0xabc",
				"status":          "0x1",
				"blockNumber":     "0x2a",
				"logs": []map[string]interface{}{
					{"address": "0xdead", "topics": []string{"0x1"}, "data": "0x5"},
				},
			},
		}
	})
	defer srv.Close()

	client, err := NewClient(Config{RPCURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	receipt, err := client.TransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("TransactionReceipt() error: %v", err)
	}
	if receipt == nil {
		t.Fatal("TransactionReceipt() returned nil receipt")
	}
	if !receipt.Succeeded() {
		t.Error("Succeeded() = false, want true")
	}
	if n, err := receipt.BlockNumberUint(); err != nil || n != 42 {
		t.Errorf("BlockNumberUint() = %d, %v; want 42", n, err)
	}
	if len(receipt.Logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(receipt.Logs))
	}
}

func TestTransactionReceiptUnconfirmed(t *testing.T) {
	srv := rpcServer(t, func(req RPCRequest) interface{} {
		return map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": nil}
	})
	defer srv.Close()

	client, _ := NewClient(Config{RPCURL: srv.URL})
	receipt, err := client.TransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("TransactionReceipt() error: %v", err)
	}
	if receipt != nil {
		t.Fatalf("receipt = %+v, want nil for unconfirmed transaction", receipt)
	}
}

func TestCallNodeError(t *testing.T) {
	srv := rpcServer(t, func(req RPCRequest) interface{} {
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]interface{}{"code": -32000, "message": "header not found"},
		}
	})
	defer srv.Close()

	client, _ := NewClient(Config{RPCURL: srv.URL})
	_, err := client.Call(context.Background(), "eth_blockNumber", nil)
	if err == nil {
		t.Fatal("Call() error = nil, want rpc error")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("error type = %T, want *RPCError", err)
	}
	if rpcErr.Code != -32000 {
		t.Errorf("code = %d, want -32000", rpcErr.Code)
	}
}

func TestBlockNumber(t *testing.T) {
	srv := rpcServer(t, func(req RPCRequest) interface{} {
		return map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0x10"}
	})
	defer srv.Close()

	client, _ := NewClient(Config{RPCURL: srv.URL})
	n, err := client.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber() error: %v", err)
	}
	if n != 16 {
		t.Errorf("BlockNumber() = %d, want 16", n)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("NewClient() with empty URL succeeded")
	}
}
