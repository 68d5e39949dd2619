package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

var (
	// ErrDuplicateRequest is returned when a requestId is already pending.
	ErrDuplicateRequest = errors.New("request id already pending")
	// ErrClosed is returned once the originator's connection is gone.
	ErrClosed = errors.New("bridge connection closed")
)

// Originator is the page side of the bridge. It posts run requests and
// correlates each response to its caller by requestId.
type Originator struct {
	ws     *websocket.Conn
	origin string
	ready  chan struct{}
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	err     error
}

// Dial connects to a bridge server, presenting origin as the page origin.
func Dial(ctx context.Context, url, origin string) (*Originator, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	header.Set("Origin", origin)

	//nolint:bodyclose // WebSocket upgrade - response body handled by gorilla/websocket
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("bridge connect: %w", err)
	}
	o := &Originator{
		ws:      ws,
		origin:  origin,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]chan Response),
	}
	go o.readLoop()
	return o, nil
}

// Ready is closed when the bridge greets this origin.
func (o *Originator) Ready() <-chan struct{} { return o.ready }

// Done is closed when the connection ends.
func (o *Originator) Done() <-chan struct{} { return o.done }

// RunRow posts req and waits for its correlated response. An empty
// RequestID is filled in.
func (o *Originator) RunRow(ctx context.Context, req Request) (Response, error) {
	req.Type = TypeRunRow
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ch := make(chan Response, 1)

	o.mu.Lock()
	if o.err != nil {
		err := o.err
		o.mu.Unlock()
		return Response{}, err
	}
	if _, dup := o.pending[req.RequestID]; dup {
		o.mu.Unlock()
		return Response{}, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.RequestID)
	}
	o.pending[req.RequestID] = ch
	o.mu.Unlock()
	defer o.forget(req.RequestID)

	if err := o.write(req); err != nil {
		return Response{}, err
	}
	L_debug("originator: request posted", "requestId", req.RequestID)

	select {
	case resp := <-ch:
		return resp, nil
	case <-o.done:
		return Response{}, o.closeErr()
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Resume asks the coordinator to continue a paused run. No response is
// correlated to it.
func (o *Originator) Resume(requestID string) error {
	return o.write(ResumeRequest{Type: TypeResume, RequestID: requestID})
}

// Close ends the connection and fails every waiting call.
func (o *Originator) Close() error {
	o.writeMu.Lock()
	_ = o.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	o.writeMu.Unlock()
	return o.ws.Close()
}

func (o *Originator) write(v any) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	_ = o.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := o.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("bridge write: %w", err)
	}
	return nil
}

func (o *Originator) forget(id string) {
	o.mu.Lock()
	delete(o.pending, id)
	o.mu.Unlock()
}

func (o *Originator) closeErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	return ErrClosed
}

func (o *Originator) readLoop() {
	defer close(o.done)
	var readyOnce sync.Once
	for {
		_, data, err := o.ws.ReadMessage()
		if err != nil {
			o.mu.Lock()
			o.err = fmt.Errorf("%w: %v", ErrClosed, err)
			o.mu.Unlock()
			return
		}
		typ, err := peekType(data)
		if err != nil {
			continue
		}
		switch typ {
		case TypeBridgeReady:
			readyOnce.Do(func() { close(o.ready) })
		case TypeResult:
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				L_warn("originator: malformed response", "error", err)
				continue
			}
			o.mu.Lock()
			ch, ok := o.pending[resp.RequestID]
			delete(o.pending, resp.RequestID)
			o.mu.Unlock()
			if ok {
				ch <- resp
			}
		}
	}
}
