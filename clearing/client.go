package clearing

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/gorilla/websocket"

	"github.com/agentpay/broker/identity"
	"github.com/agentpay/broker/metrics"
)

// Sentinel error kinds spec.md names for the clearing-network client.
var (
	ErrAuthRejected    = errors.New("clearing: auth rejected")
	ErrClearingTimeout = errors.New("clearing: call timed out")
	ErrCancelled       = errors.New("clearing: cancelled")
)

// AuthScope describes the allowances and scope carried in auth_request.
type AuthScope struct {
	Allowances []string
	ExpiresAt  time.Time
	Scope      string
}

type pendingCall struct {
	resultCh chan *frame
}

// Client is one authenticated session actor: a single reader loop dispatches
// inbound frames either to a pending call's channel (by request id) or to
// the shared notification channel for unsolicited frames (spec.md §5:
// "one outgoing request at a time is not required... a response-correlation
// table, and a single reader loop").
type Client struct {
	conn          *websocket.Conn
	ephemeralKey  *ecdsa.PrivateKey
	ephemeralAddr common.Address

	nextID uint64

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	Notifications chan Notification

	readErr chan error
	metrics *metrics.Metrics
}

// Option configures optional Dial behavior.
type Option func(*Client)

// WithMetrics records every RPC's latency on m.ClearingCalls, labeled by
// method.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Notification is an unsolicited inbound frame: "channels", "asu", "bu", or
// "assets" per spec.md 4.C.
type Notification struct {
	Method  string
	Payload json.RawMessage
}

// Dial opens a websocket connection to url and performs the auth handshake
// (spec.md 4.C steps 1-4) using id's signing key over a fresh ephemeral
// session key. On success the returned Client is ready for RPCs; on failure
// the connection is closed and ErrAuthRejected is returned.
func Dial(ctx context.Context, url string, id *identity.Identity, appName string, scope AuthScope, opts ...Option) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("clearing: dial %s: %w", url, err)
	}

	ephemeralKey, ephemeralAddr, err := id.EphemeralKeypair()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("clearing: generate ephemeral key: %w", err)
	}

	c := &Client{
		conn:          conn,
		ephemeralKey:  ephemeralKey,
		ephemeralAddr: ephemeralAddr,
		pending:       make(map[string]*pendingCall),
		Notifications: make(chan Notification, 32),
		readErr:       make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()

	if err := c.authenticate(ctx, id, appName, scope); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) authenticate(ctx context.Context, id *identity.Identity, appName string, scope AuthScope) error {
	authReq := map[string]any{
		"identity_address":      id.Address.Hex(),
		"application_name":      appName,
		"ephemeral_key_address": c.ephemeralAddr.Hex(),
		"allowances":            scope.Allowances,
		"expires_at":            scope.ExpiresAt.Unix(),
		"scope":                 scope.Scope,
	}

	challengeFrame, err := c.call(ctx, "auth_request", authReq, 20*time.Second)
	if err != nil {
		return fmt.Errorf("%w: auth_request: %v", ErrAuthRejected, err)
	}

	var challenge struct {
		ChallengeMessage string `json:"challenge_message"`
	}
	if err := json.Unmarshal(challengeFrame.Payload, &challenge); err != nil || challenge.ChallengeMessage == "" {
		// The challenge may instead arrive as an unsolicited auth_challenge
		// notification rather than the auth_request response itself.
		select {
		case note := <-c.Notifications:
			if note.Method != "auth_challenge" {
				return fmt.Errorf("%w: expected auth_challenge, got %s", ErrAuthRejected, note.Method)
			}
			_ = json.Unmarshal(note.Payload, &challenge)
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrAuthRejected, ctx.Err())
		}
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}},
			"Challenge":    {{Name: "message", Type: "string"}},
		},
		PrimaryType: "Challenge",
		Domain:      apitypes.TypedDataDomain{Name: "agentpay-clearing"},
		Message:     apitypes.TypedDataMessage{"message": challenge.ChallengeMessage},
	}

	sig, err := id.EIP712Sign(typedData)
	if err != nil {
		return fmt.Errorf("%w: sign challenge: %v", ErrAuthRejected, err)
	}

	verifyFrame, err := c.call(ctx, "auth_verify", map[string]any{
		"challenge_message": challenge.ChallengeMessage,
		"signature":         "0x" + fmt.Sprintf("%x", sig),
	}, 20*time.Second)
	if err != nil {
		return fmt.Errorf("%w: auth_verify: %v", ErrAuthRejected, err)
	}
	_ = verifyFrame
	return nil
}

// Call issues a signed RPC and waits up to timeout for its response, per
// spec.md §6's 20-60s-by-kind timeout budget.
func (c *Client) Call(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f, err := c.call(ctx, method, payload, timeout)
	if err != nil {
		return nil, err
	}
	return f.Payload, nil
}

func (c *Client) call(ctx context.Context, method string, payload any, timeout time.Duration) (*frame, error) {
	if c.metrics != nil {
		start := time.Now()
		defer func() {
			c.metrics.ClearingCalls.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}()
	}

	id := strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)

	pc := &pendingCall{resultCh: make(chan *frame, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCancelled
	}
	c.pending[id] = pc
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	numericID, _ := strconv.ParseUint(id, 10, 64)
	body, err := buildSignedRequest(c.ephemeralKey, numericID, method, payload, time.Now().Unix())
	if err != nil {
		return nil, err
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return nil, fmt.Errorf("clearing: write %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case f := <-pc.resultCh:
		if f.Err != nil {
			return nil, f.Err
		}
		return f, nil
	case err := <-c.readErr:
		return nil, fmt.Errorf("clearing: connection error: %w", err)
	case <-ctx.Done():
		c.closeWithCode(websocket.CloseNormalClosure, "timeout")
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("%w: %s", ErrClearingTimeout, method)
	}
}

func (c *Client) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case c.readErr <- err:
			default:
			}
			return
		}

		f, err := decodeFrame(msg)
		if err != nil {
			continue
		}

		if f.ID != "" {
			c.mu.Lock()
			pc, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				pc.resultCh <- f
				continue
			}
		}

		method := f.Method
		if f.Err != nil {
			method = "error"
		}
		if !isNotification(method) {
			// Not one of the known unsolicited kinds, and no pending call
			// claimed it (e.g. a response that arrived after its caller
			// timed out) -- drop it rather than forward it as a
			// notification.
			continue
		}
		select {
		case c.Notifications <- Notification{Method: method, Payload: f.Payload}:
		default:
		}
	}
}

// Close cleanly closes the underlying websocket with code 1000, per
// spec.md's "the connection is closed cleanly with code 1000" requirement.
func (c *Client) Close() error {
	return c.closeWithCode(websocket.CloseNormalClosure, "done")
}

func (c *Client) closeWithCode(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, pc := range c.pending {
		pc.resultCh <- &frame{Err: &ClearingError{Message: "connection closed"}}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return c.conn.Close()
}

// EphemeralAddress returns the address of this session's ephemeral signing
// key.
func (c *Client) EphemeralAddress() common.Address {
	return c.ephemeralAddr
}
