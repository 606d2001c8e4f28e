package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sly67/compote/internal/logging"
	"github.com/sly67/compote/internal/metrics"
)

// frame is the wire envelope. Requests carry id+op+payload; responses echo
// the id with payload or error; pushes carry event+payload and no id.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Op      string          `json:"op,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	CurrentHash string `json:"currentHash,omitempty"`
}

const codeConflict = "conflict"

// Request/response payloads for the named operations.
type readRequest struct {
	Path string `json:"path"`
}

type readResponse struct {
	Content []byte `json:"content"`
	Hash    string `json:"hash"`
}

type writeRequest struct {
	Path         string `json:"path"`
	Content      []byte `json:"content"`
	ExpectedHash string `json:"expectedHash,omitempty"`
}

type writeResponse struct {
	Hash string `json:"hash"`
}

type renameRequest struct {
	Old string `json:"old"`
	New string `json:"new"`
}

type manifestResponse struct {
	Manifest []ManifestEntry `json:"manifest"`
}

// WSConfig holds websocket transport configuration.
type WSConfig struct {
	URL            string
	RequestTimeout time.Duration
}

// WS is a Transport over a single websocket connection. It is safe for
// concurrent use; a read loop dispatches responses to waiting requests and
// pushes to the event channel.
type WS struct {
	cfg    WSConfig
	events chan RemoteEvent

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan frame
}

// NewWS creates a websocket transport. Connect must be called before use.
func NewWS(cfg WSConfig) *WS {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &WS{
		cfg:     cfg,
		events:  make(chan RemoteEvent, 256),
		pending: make(map[string]chan frame),
	}
}

// Connect dials the server. On success a read loop runs until the
// connection drops; the caller decides when to reconnect.
func (t *WS) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	// Sync payloads can be large; the default limit is too small.
	conn.SetReadLimit(64 << 20)

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()
	metrics.SetConnected(true)

	go t.readLoop(conn)
	return nil
}

// Close tears down the connection.
func (t *WS) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()
	metrics.SetConnected(false)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	return nil
}

// Connected implements Transport.
func (t *WS) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Events implements Transport. The channel survives reconnects.
func (t *WS) Events() <-chan RemoteEvent {
	return t.events
}

func (t *WS) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.markDisconnected(conn, err)
			return
		}

		var fr frame
		if err := json.Unmarshal(data, &fr); err != nil {
			logging.Warn("discarding malformed frame", logging.Err(err))
			continue
		}

		switch {
		case fr.ID != "":
			t.mu.Lock()
			ch, ok := t.pending[fr.ID]
			delete(t.pending, fr.ID)
			t.mu.Unlock()
			if ok {
				ch <- fr
			}

		case fr.Event != "":
			var ev RemoteEvent
			if fr.Payload != nil {
				json.Unmarshal(fr.Payload, &ev)
			}
			ev.Type = fr.Event
			select {
			case t.events <- ev:
			default:
				logging.Warn("push event dropped, consumer too slow",
					logging.String("event", ev.Type), logging.String("path", ev.Path))
			}
		}
	}
}

// markDisconnected flips state and fails all in-flight requests, but only
// if conn is still the active connection (a reconnect may have raced).
func (t *WS) markDisconnected(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.connected = false
	stalled := t.pending
	t.pending = make(map[string]chan frame)
	t.mu.Unlock()
	metrics.SetConnected(false)

	logging.Warn("sync transport disconnected", logging.Err(err))
	for _, ch := range stalled {
		ch <- frame{Error: &frameError{Code: "offline", Message: ErrOffline.Error()}}
	}
}

// request sends one op and waits for its response or the timeout.
func (t *WS) request(ctx context.Context, op string, payload any, out any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrOffline
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}

	id := uuid.NewString()
	data, err := json.Marshal(frame{ID: id, Op: op, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", op, err)
	}

	ch := make(chan frame, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrOffline)
	}

	select {
	case fr := <-ch:
		return t.decodeResponse(op, fr, out)
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return fmt.Errorf("%s timed out: %w", op, ctx.Err())
	}
}

func (t *WS) decodeResponse(op string, fr frame, out any) error {
	if fr.Error != nil {
		switch fr.Error.Code {
		case codeConflict:
			return &ConflictError{CurrentHash: fr.Error.CurrentHash}
		case "offline":
			return ErrOffline
		default:
			return fmt.Errorf("%s failed: %s", op, fr.Error.Message)
		}
	}
	if out == nil || fr.Payload == nil {
		return nil
	}
	if err := json.Unmarshal(fr.Payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// Manifest implements Transport.
func (t *WS) Manifest(ctx context.Context) ([]ManifestEntry, error) {
	var resp manifestResponse
	if err := t.request(ctx, OpManifest, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Manifest, nil
}

// ReadFile implements Transport.
func (t *WS) ReadFile(ctx context.Context, path string) ([]byte, string, error) {
	var resp readResponse
	if err := t.request(ctx, OpFileRead, readRequest{Path: path}, &resp); err != nil {
		return nil, "", err
	}
	return resp.Content, resp.Hash, nil
}

// WriteFile implements Transport.
func (t *WS) WriteFile(ctx context.Context, path string, content []byte, expectedHash string) (string, error) {
	var resp writeResponse
	err := t.request(ctx, OpFileWrite, writeRequest{
		Path:         path,
		Content:      content,
		ExpectedHash: expectedHash,
	}, &resp)
	if err != nil {
		if ce, ok := AsConflict(err); ok {
			ce.Path = path
			ce.ExpectedHash = expectedHash
		}
		return "", err
	}
	return resp.Hash, nil
}

// CreateFile implements Transport.
func (t *WS) CreateFile(ctx context.Context, path string, content []byte) (string, error) {
	var resp writeResponse
	if err := t.request(ctx, OpFileCreate, writeRequest{Path: path, Content: content}, &resp); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// DeleteFile implements Transport.
func (t *WS) DeleteFile(ctx context.Context, path string) error {
	return t.request(ctx, OpFileDelete, readRequest{Path: path}, nil)
}

// RenameFile implements Transport.
func (t *WS) RenameFile(ctx context.Context, oldPath, newPath string) error {
	return t.request(ctx, OpFileRename, renameRequest{Old: oldPath, New: newPath}, nil)
}

// Emit implements Transport: fire-and-forget, no response expected.
func (t *WS) Emit(ctx context.Context, event string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrOffline
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(frame{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

var _ Transport = (*WS)(nil)
