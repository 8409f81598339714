// Package subscription maintains provider stream subscriptions with
// reconnection and provider rebinding.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chain-rpc-gateway/internal/domain"
)

// StreamConfig configures a single stream connection.
type StreamConfig struct {
	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration
	// ConfirmTimeout bounds the wait for the subscribe acknowledgement.
	ConfirmTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultStreamConfig returns default stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		HandshakeTimeout: 10 * time.Second,
		ConfirmTimeout:   30 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

func (c StreamConfig) withDefaults() StreamConfig {
	def := DefaultStreamConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = def.ConfirmTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Stream is one WebSocket connection carrying one subscription on one
// provider. A stream never reconnects itself; on any error it closes
// its message channel and the manager decides whether to redial or
// rebind to another provider.
type Stream struct {
	provider domain.Provider
	topic    string
	config   StreamConfig

	conn   *websocket.Conn
	connMu sync.Mutex
	subID  int64

	msgs   chan domain.StreamMessage
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error
}

type streamRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type streamSubscribeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  int64  `json:"result"` // subscription ID
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type streamNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  *struct {
		Subscription int64           `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// Dial connects to the provider's stream endpoint, sends the subscribe
// frame for the topic and waits for the acknowledgement. The returned
// stream is live: messages arrive on Messages until the connection
// fails or Close is called.
func Dial(ctx context.Context, p domain.Provider, topic string, params any, cfg StreamConfig) (*Stream, error) {
	if p.StreamEndpoint == "" {
		return nil, fmt.Errorf("provider %s has no stream endpoint", p.ID)
	}

	s := &Stream{
		provider: p,
		topic:    topic,
		config:   cfg.withDefaults(),
		msgs:     make(chan domain.StreamMessage, 256),
		done:     make(chan struct{}),
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: s.config.HandshakeTimeout,
	}

	var header map[string][]string
	if p.CredentialRef != "" {
		if cred := os.Getenv(p.CredentialRef); cred != "" {
			header = map[string][]string{"Authorization": {"Bearer " + cred}}
		}
	}

	conn, _, err := dialer.DialContext(ctx, p.StreamEndpoint, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	s.conn = conn

	if err := s.subscribe(ctx, topic, params); err != nil {
		conn.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.readLoop()

	s.wg.Add(1)
	go s.pingLoop()

	return s, nil
}

// subscribe sends the subscribe frame and waits for the provider's
// acknowledgement carrying the subscription ID.
func (s *Stream) subscribe(ctx context.Context, topic string, params any) error {
	req := streamRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  topic,
		Params:  params,
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}

	deadline := time.Now().Add(s.config.ConfirmTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	s.conn.SetReadDeadline(deadline)

	// The acknowledgement is the first frame on a fresh connection.
	_, message, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read subscribe ack: %w", err)
	}

	var resp streamSubscribeResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		return fmt.Errorf("unmarshal subscribe ack: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("subscribe rejected: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	s.subID = resp.Result
	return nil
}

// Messages returns the stream's message channel. It is closed when the
// connection fails or the stream is closed; Err reports the cause.
func (s *Stream) Messages() <-chan domain.StreamMessage {
	return s.msgs
}

// Provider returns the provider this stream is bound to.
func (s *Stream) Provider() domain.Provider {
	return s.provider
}

// Err returns the error that terminated the stream, nil for a clean
// Close.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears the connection down. Safe to call more than once.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	return nil
}

// readLoop reads frames until the connection fails, forwarding
// notifications for this stream's subscription.
func (s *Stream) readLoop() {
	defer s.wg.Done()
	defer close(s.msgs)

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
			}
			return
		}

		s.handleMessage(message)
	}
}

// handleMessage forwards a notification frame as a StreamMessage.
// Frames for other subscription ids and non-notification frames are
// dropped.
func (s *Stream) handleMessage(message []byte) {
	var notif streamNotification
	if err := json.Unmarshal(message, &notif); err != nil || notif.Params == nil {
		return
	}
	if notif.Params.Subscription != s.subID {
		return
	}

	msg := domain.StreamMessage{
		ProviderID: s.provider.ID,
		Topic:      s.topic,
		Sequence:   extractSequence(notif.Params.Result),
		Payload:    notif.Params.Result,
	}

	select {
	case s.msgs <- msg:
	case <-s.done:
	}
}

// extractSequence pulls the optional sequence cursor out of a
// notification payload. Zero means the payload carries none and
// duplicate suppression is skipped.
func extractSequence(payload []byte) uint64 {
	var probe struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return 0
	}
	return probe.Sequence
}

// pingLoop sends periodic ping frames to keep connection alive.
func (s *Stream) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			// A failed ping surfaces as a read error; the reader owns
			// termination.
			s.conn.WriteMessage(websocket.PingMessage, nil)
			s.connMu.Unlock()
		}
	}
}
