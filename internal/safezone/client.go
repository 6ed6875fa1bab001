package safezone

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"powerthrough/internal/proxy"
)

// Default client timeouts.
const (
	DefaultHandshakeTimeout = 8 * time.Second
	DefaultRequestTimeout   = 12 * time.Second
)

// Request is one proxied call over the tunnel.
type Request struct {
	URL        string
	Method     string
	Header     http.Header
	Body       []byte
	RenderHint string
}

// Response is the assembled result of a tunneled request.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	FromCache bool
	Renderer  string
}

// Client multiplexes requests over one tunnel connection. It is safe for
// concurrent use; ids are assigned internally.
type Client struct {
	conn           *websocket.Conn
	requestTimeout time.Duration

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall

	nextID atomic.Uint64
}

type pendingCall struct {
	resp *Response
	body bytes.Buffer
	err  error
	done chan struct{}
}

// DialOption adjusts client behavior at Dial time.
type DialOption func(*Client)

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(d time.Duration) DialOption {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// Dial opens a tunnel to a /safezone endpoint (ws:// or wss:// URL).
func Dial(ctx context.Context, endpoint string, opts ...DialOption) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: DefaultHandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:           conn,
		requestTimeout: DefaultRequestTimeout,
		pending:        make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection; pending calls fail with 503.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and waits for its response. A request that outlives
// the per-request timeout is canceled on the server and fails with 504.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	call := &pendingCall{done: make(chan struct{})}

	c.mu.Lock()
	c.pending[id] = call
	c.mu.Unlock()

	frame := inboundFrame{
		Type:       TypeRequest,
		ID:         id,
		URL:        req.URL,
		Method:     req.Method,
		Headers:    req.Header,
		RenderHint: req.RenderHint,
	}
	if len(req.Body) > 0 {
		frame.Body = base64.StdEncoding.EncodeToString(req.Body)
		frame.BodyEncoding = EncodingBase64
	}
	if err := c.write(frame); err != nil {
		c.remove(id)
		return nil, &proxy.Error{Status: http.StatusServiceUnavailable, Message: "Tunnel connection closed.", Details: err.Error()}
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case <-call.done:
		return call.resp, call.err
	case <-timer.C:
		c.write(inboundFrame{Type: TypeCancel, ID: id})
		c.remove(id)
		return nil, &proxy.Error{Status: http.StatusGatewayTimeout, Message: "Tunnel request timed out."}
	case <-ctx.Done():
		c.write(inboundFrame{Type: TypeCancel, ID: id})
		c.remove(id)
		return nil, ctx.Err()
	}
}

func (c *Client) write(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) remove(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.pending[id]
	delete(c.pending, id)
	return call
}

// outboundFrame is the union of everything the server can send.
type outboundFrame struct {
	Type      string              `json:"type"`
	ID        string              `json:"id"`
	Status    int                 `json:"status"`
	Headers   map[string][]string `json:"headers"`
	FromCache bool                `json:"fromCache"`
	Renderer  string              `json:"renderer"`
	Data      string              `json:"data"`
	Final     bool                `json:"final"`
	Message   string              `json:"message"`
	Details   string              `json:"details"`
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(&proxy.Error{Status: http.StatusServiceUnavailable, Message: "Tunnel connection closed."})
			return
		}
		var f outboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Type {
		case TypeResponse:
			c.mu.Lock()
			call := c.pending[f.ID]
			c.mu.Unlock()
			if call != nil {
				call.resp = &Response{
					Status:    f.Status,
					Header:    http.Header(f.Headers),
					FromCache: f.FromCache,
					Renderer:  f.Renderer,
				}
			}
		case TypeBody:
			c.mu.Lock()
			call := c.pending[f.ID]
			c.mu.Unlock()
			if call == nil {
				continue
			}
			if f.Data != "" {
				chunk, derr := base64.StdEncoding.DecodeString(f.Data)
				if derr == nil {
					call.body.Write(chunk)
				}
			}
			if f.Final {
				if call.resp == nil {
					// Peer violated the response-before-body ordering.
					c.complete(f.ID, call, &proxy.Error{
						Status:  http.StatusBadGateway,
						Message: "Tunnel protocol violation.",
						Details: "body frame received before response frame",
					})
					continue
				}
				call.resp.Body = call.body.Bytes()
				c.complete(f.ID, call, nil)
			}
		case TypeError:
			if f.ID == "" {
				c.failAll(&proxy.Error{Status: http.StatusServiceUnavailable, Message: f.Message, Details: f.Details})
				c.conn.Close()
				return
			}
			c.mu.Lock()
			call := c.pending[f.ID]
			c.mu.Unlock()
			if call != nil {
				c.complete(f.ID, call, &proxy.Error{Status: f.Status, Message: f.Message, Details: f.Details})
			}
		}
	}
}

func (c *Client) complete(id string, call *pendingCall, err error) {
	c.remove(id)
	call.err = err
	close(call.done)
}

func (c *Client) failAll(err *proxy.Error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()
	for _, call := range calls {
		call.err = err
		close(call.done)
	}
}
