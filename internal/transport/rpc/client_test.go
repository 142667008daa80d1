package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"txrelay/internal/task/retry"
	"txrelay/internal/txn"
)

type rpcReq struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newNode(t *testing.T, fn func(req rpcReq) (int, string)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		code, body := fn(req)
		if code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "3")
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSendUsesSkipPreflightAndZeroRetries(t *testing.T) {
	var opts sendOpts
	var encoded string
	c := newNode(t, func(req rpcReq) (int, string) {
		if req.Method != "sendTransaction" {
			t.Errorf("method = %s", req.Method)
		}
		_ = json.Unmarshal(req.Params[0], &encoded)
		_ = json.Unmarshal(req.Params[1], &opts)
		return 200, `{"jsonrpc":"2.0","id":1,"result":"sig123"}`
	})

	tx := txn.Signed{Raw: []byte{9, 8, 7}, Versioned: true}
	sig, err := c.Send(context.Background(), tx)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sig != "sig123" {
		t.Fatalf("sig = %q", sig)
	}
	if encoded != tx.Base64() {
		t.Fatalf("payload = %q, want %q", encoded, tx.Base64())
	}
	if !opts.SkipPreflight || opts.MaxRetries != 0 || opts.Encoding != "base64" {
		t.Fatalf("unexpected send options: %+v", opts)
	}
}

func TestSendRawSurfacesRPCError(t *testing.T) {
	c := newNode(t, func(rpcReq) (int, string) {
		return 200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32002,"message":"blockhash not found"}}`
	})
	_, err := c.SendRaw(context.Background(), []byte{1})
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Code != -32002 {
		t.Fatalf("err = %v, want rpc error -32002", err)
	}
}

func TestTooManyRequestsCarriesRetryAfter(t *testing.T) {
	c := newNode(t, func(rpcReq) (int, string) { return http.StatusTooManyRequests, "" })
	_, err := c.SendRaw(context.Background(), []byte{1})
	var ra retry.RetryAfterError
	if !errors.As(err, &ra) || ra.RetryAfter() != 3*time.Second {
		t.Fatalf("err = %v, want retry-after 3s", err)
	}
}

func TestSignatureStatuses(t *testing.T) {
	c := newNode(t, func(req rpcReq) (int, string) {
		if req.Method != "getSignatureStatuses" {
			t.Errorf("method = %s", req.Method)
		}
		return 200, `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":5},"value":[
			{"slot":4,"confirmations":null,"confirmationStatus":"finalized","err":null},
			null,
			{"slot":4,"confirmations":1,"confirmationStatus":"confirmed","err":{"InstructionError":[0,"Custom"]}}
		]}}`
	})
	got, err := c.SignatureStatuses(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("SignatureStatuses: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if !got[0].Confirmed() || got[0].Failed() {
		t.Fatalf("a: %+v", got[0])
	}
	if got[1].Found {
		t.Fatalf("b should be unknown")
	}
	if !got[2].Failed() {
		t.Fatalf("c should be failed: %+v", got[2])
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("err = %v", err)
	}
}
