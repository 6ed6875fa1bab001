package safezone

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"powerthrough/internal/metrics"
	"powerthrough/internal/proxy"
)

const (
	writeTimeout    = 10 * time.Second
	streamChunkSize = 32 * 1024
)

// Server upgrades /safezone and runs one session per connection.
type Server struct {
	pipeline *proxy.Pipeline
	upgrader websocket.Upgrader
}

func NewServer(p *proxy.Pipeline) *Server {
	return &Server{
		pipeline: p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			// The HTTP endpoint is already world-open; the tunnel matches it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		return
	}
	metrics.SafezoneConnInc()
	defer metrics.SafezoneConnDec()

	sess := &session{
		conn:     conn,
		pipeline: s.pipeline,
		channels: make(map[string]context.CancelFunc),
	}
	sess.run(r.Context())
}

// session is one tunnel. Writes are serialized by wmu; each channel's
// frames are produced by a single goroutine, so per-channel order holds.
type session struct {
	conn     *websocket.Conn
	pipeline *proxy.Pipeline

	wmu sync.Mutex

	mu       sync.Mutex
	channels map[string]context.CancelFunc
}

func (s *session) run(ctx context.Context) {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()
	defer s.conn.Close()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			s.sendConnError("Binary frames are not supported.")
			continue
		}

		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendConnError("Malformed frame.")
			continue
		}
		metrics.SafezoneFrameIn(f.Type)

		switch f.Type {
		case TypeRequest:
			s.handleRequest(ctx, f)
		case TypeCancel:
			s.cancelChannel(f.ID)
		default:
			s.sendConnError("Unknown frame type.")
		}
	}
}

func (s *session) handleRequest(ctx context.Context, f inboundFrame) {
	if f.ID == "" {
		s.sendConnError("Request frame without an id.")
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if _, dup := s.channels[f.ID]; dup {
		s.mu.Unlock()
		cancel()
		s.sendError(f.ID, http.StatusBadRequest, "Channel id is already in use.", "")
		return
	}
	s.channels[f.ID] = cancel
	s.mu.Unlock()

	go s.serve(reqCtx, f)
}

func (s *session) cancelChannel(id string) {
	s.mu.Lock()
	cancel := s.channels[id]
	delete(s.channels, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// serve runs one channel end to end.
func (s *session) serve(ctx context.Context, f inboundFrame) {
	defer s.cancelChannel(f.ID)

	method := f.Method
	if method == "" {
		method = http.MethodGet
	}
	header := http.Header(f.Headers)
	if header == nil {
		header = make(http.Header)
	}

	var body io.Reader
	if f.Body != "" {
		var raw []byte
		switch f.BodyEncoding {
		case "", EncodingBase64:
			decoded, err := base64.StdEncoding.DecodeString(f.Body)
			if err != nil {
				s.sendError(f.ID, http.StatusBadRequest, "Malformed request body encoding.", err.Error())
				return
			}
			raw = decoded
		case EncodingUTF8:
			raw = []byte(f.Body)
		default:
			s.sendError(f.ID, http.StatusBadRequest, "Unsupported body encoding.", f.BodyEncoding)
			return
		}
		header = header.Clone()
		header.Set("Content-Length", strconv.Itoa(len(raw)))
		body = bytes.NewReader(raw)
	}

	res, err := s.pipeline.Handle(ctx, f.URL, method, header, body, f.RenderHint)
	if err != nil {
		if ctx.Err() != nil {
			// Canceled channels end silently.
			return
		}
		perr := proxy.AsError(err)
		s.sendError(f.ID, perr.Status, perr.Message, perr.Details)
		return
	}

	ok := s.send(TypeResponse, responseFrame{
		Type:      TypeResponse,
		ID:        f.ID,
		Status:    res.Status,
		Headers:   res.Header,
		FromCache: res.FromCache,
		Renderer:  res.Renderer,
	})
	if !ok {
		if res.Stream != nil {
			res.Stream.Close()
		}
		return
	}

	if res.Stream == nil {
		s.send(TypeBody, bodyFrame{
			Type:  TypeBody,
			ID:    f.ID,
			Data:  base64.StdEncoding.EncodeToString(res.Body),
			Final: true,
		})
		return
	}

	defer res.Stream.Close()
	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := res.Stream.Read(buf)
		if n > 0 {
			if !s.send(TypeBody, bodyFrame{
				Type: TypeBody,
				ID:   f.ID,
				Data: base64.StdEncoding.EncodeToString(buf[:n]),
			}) {
				return
			}
		}
		if rerr == io.EOF {
			s.send(TypeBody, bodyFrame{Type: TypeBody, ID: f.ID, Data: "", Final: true})
			return
		}
		if rerr != nil {
			if ctx.Err() == nil {
				s.sendError(f.ID, http.StatusBadGateway, "Upstream stream failed.", rerr.Error())
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// send marshals and writes one frame. Returns false once the connection
// is gone.
func (s *session) send(frameType string, frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("safezone marshal: %v", err)
		return false
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	metrics.SafezoneFrameOut(frameType)
	return true
}

func (s *session) sendError(id string, status int, message, details string) {
	s.send(TypeError, errorFrame{Type: TypeError, ID: id, Status: status, Message: message, Details: details})
}

// sendConnError reports a connection-wide fault without tearing the
// connection down; open channels keep running.
func (s *session) sendConnError(message string) {
	s.send(TypeError, errorFrame{Type: TypeError, Message: message})
}
