package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"chain-rpc-gateway/internal/domain"
)

// DefaultHTTPTimeout bounds a single HTTP exchange when the context
// carries no tighter deadline.
const DefaultHTTPTimeout = 30 * time.Second

// Caller issues a single JSON-RPC call against a provider. The
// executor owns retries across providers; implementations must not
// retry internally.
type Caller interface {
	Call(ctx context.Context, p domain.Provider, method string, params any) (json.RawMessage, error)
}

// Client is a JSON-RPC 2.0 HTTP transport. Method and params pass
// through opaquely; the client never interprets blockchain semantics.
type Client struct {
	client    *http.Client
	requestID atomic.Uint64
}

// NewClient creates a transport client. A nil httpClient uses a
// default with DefaultHTTPTimeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{client: httpClient}
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object returned by a provider.
// Classified as a protocol error for health accounting.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// statusError is a non-200 HTTP response from a provider.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// Call performs one JSON-RPC exchange against the provider's call
// endpoint. The provider's credential is resolved from its configured
// env var reference at call time and is never logged or echoed in
// errors.
func (c *Client) Call(ctx context.Context, p domain.Provider, method string, params any) (json.RawMessage, error) {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.CredentialRef != "" {
		if cred := os.Getenv(p.CredentialRef); cred != "" {
			req.Header.Set("Authorization", "Bearer "+cred)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: truncate(respBody, 256)}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// Probe issues the provider's configured liveness method and reports
// the round-trip time. Used by the health monitor.
func (c *Client) Probe(ctx context.Context, p domain.Provider) (time.Duration, error) {
	method := p.ProbeMethod
	if method == "" {
		method = "ping"
	}

	start := time.Now()
	if _, err := c.Call(ctx, p, method, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Classify maps a transport error to its health-accounting class.
func Classify(err error) domain.ErrorClass {
	if err == nil {
		return domain.ErrorClassNone
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return domain.ErrorClassProtocol
	}
	var stErr *statusError
	if errors.As(err, &stErr) {
		if stErr.code == http.StatusTooManyRequests {
			return domain.ErrorClassConnection
		}
		return domain.ErrorClassProtocol
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorClassTimeout
	}

	// Malformed JSON also lands here via the wrapped unmarshal error.
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return domain.ErrorClassProtocol
	}

	return domain.ErrorClassConnection
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
