package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chain-rpc-gateway/internal/domain"
)

func rpcServer(t *testing.T, handler func(w http.ResponseWriter, req rpcRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)
		handler(w, req)
	}))
}

func writeResult(w http.ResponseWriter, id uint64, result string) {
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  json.RawMessage(result),
	})
}

func TestClient_Call(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter, req rpcRequest) {
		assert.Equal(t, "eth_getBalance", req.Method)
		writeResult(w, req.ID, `"0x38d7ea4c68000"`)
	})
	defer srv.Close()

	c := NewClient(nil)
	result, err := c.Call(context.Background(), domain.Provider{Endpoint: srv.URL}, "eth_getBalance", []string{"0xabc", "latest"})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"0x38d7ea4c68000"`), result)
}

func TestClient_Call_RPCError(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter, req rpcRequest) {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32601, "message": "method not found"},
		})
	})
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.Call(context.Background(), domain.Provider{Endpoint: srv.URL}, "eth_bogus", nil)
	require.Error(t, err)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Equal(t, domain.ErrorClassProtocol, Classify(err))
}

func TestClient_Call_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.Call(context.Background(), domain.Provider{Endpoint: srv.URL}, "eth_blockNumber", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, domain.ErrorClassProtocol, Classify(err))
}

func TestClient_Call_RateLimitedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.Call(context.Background(), domain.Provider{Endpoint: srv.URL}, "eth_blockNumber", nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorClassConnection, Classify(err))
}

func TestClient_Call_CredentialHeader(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "secret-token-value")

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeResult(w, 1, `"0x1"`)
	}))
	defer srv.Close()

	c := NewClient(nil)
	p := domain.Provider{Endpoint: srv.URL, CredentialRef: "TEST_PROVIDER_KEY"}
	_, err := c.Call(context.Background(), p, "eth_blockNumber", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token-value", gotAuth)
}

func TestClient_Call_CredentialNeverInErrors(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "secret-token-value")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(nil)
	p := domain.Provider{Endpoint: srv.URL, CredentialRef: "TEST_PROVIDER_KEY"}
	_, err := c.Call(context.Background(), p, "eth_blockNumber", nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token-value")
	assert.NotContains(t, err.Error(), "TEST_PROVIDER_KEY")
}

func TestClient_Call_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.Call(context.Background(), domain.Provider{Endpoint: srv.URL}, "eth_blockNumber", nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorClassProtocol, Classify(err))
}

func TestClient_Probe(t *testing.T) {
	var gotMethod string
	srv := rpcServer(t, func(w http.ResponseWriter, req rpcRequest) {
		gotMethod = req.Method
		writeResult(w, req.ID, `"pong"`)
	})
	defer srv.Close()

	c := NewClient(nil)
	latency, err := c.Probe(context.Background(), domain.Provider{Endpoint: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ping", gotMethod)
	assert.Greater(t, latency, time.Duration(0))

	_, err = c.Probe(context.Background(), domain.Provider{Endpoint: srv.URL, ProbeMethod: "eth_blockNumber"})
	require.NoError(t, err)
	assert.Equal(t, "eth_blockNumber", gotMethod)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorClass
	}{
		{"nil", nil, domain.ErrorClassNone},
		{"rpc error", &RPCError{Code: -32000, Message: "oops"}, domain.ErrorClassProtocol},
		{"deadline", context.DeadlineExceeded, domain.ErrorClassTimeout},
		{"status 500", &statusError{code: 500, body: "x"}, domain.ErrorClassProtocol},
		{"status 429", &statusError{code: 429, body: "x"}, domain.ErrorClassConnection},
		{"generic", errors.New("connection refused"), domain.ErrorClassConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
