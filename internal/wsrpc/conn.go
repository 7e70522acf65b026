package wsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// Handler serves one inbound method call. The returned value is marshaled
// into the response's result; a returned *Error is sent verbatim, any other
// error becomes an internal error response.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Conn is a bidirectional JSON-RPC endpoint over one WebSocket. Create it
// with New, register handlers for inbound methods, then Serve it; Call and
// Notify are safe for concurrent use while Serve runs.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]chan *message
	nextID   uint64
	closed   bool
}

// New wraps an established WebSocket connection.
func New(ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		ws:       ws,
		logger:   logger,
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan *message),
	}
}

// Register installs the handler for an inbound method. It must be called
// before Serve.
func (c *Conn) Register(method string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = handler
}

// Serve reads and dispatches messages until the connection drops or ctx is
// done. On return every waiting Call has been failed.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.failPending()

	stop := context.AfterFunc(ctx, func() {
		c.ws.Close()
	})
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.dispatch(ctx, data)
	}
}

// dispatch routes one frame: a batch is handled element by element, a
// response is matched to its waiting Call, a request runs its handler.
func (c *Conn) dispatch(ctx context.Context, data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			c.logger.Warn("malformed jsonrpc batch, dropping", slog.Any("error", err))
			return
		}
		for _, element := range batch {
			c.dispatch(ctx, element)
		}
		return
	}

	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("malformed jsonrpc message, dropping", slog.Any("error", err))
		_ = c.write(&message{
			JSONRPC: "2.0",
			Error:   &Error{Code: CodeParseError, Message: "parse error"},
		})
		return
	}

	if msg.isRequest() {
		c.serveRequest(ctx, &msg)
		return
	}
	c.settleCall(&msg)
}

func (c *Conn) serveRequest(ctx context.Context, req *message) {
	c.mu.Lock()
	handler := c.handlers[req.Method]
	c.mu.Unlock()

	notification := isNull(req.ID)

	if handler == nil {
		c.logger.Warn("no handler for method", slog.String("method", req.Method))
		if !notification {
			_ = c.write(&message{
				JSONRPC: "2.0", ID: req.ID,
				Error: &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)},
			})
		}
		return
	}

	result, err := handler(ctx, req.Params)
	if notification {
		if err != nil {
			c.logger.Warn("notification handler failed",
				slog.String("method", req.Method), slog.Any("error", err))
		}
		return
	}

	resp := &message{JSONRPC: "2.0", ID: req.ID}
	switch err := err.(type) {
	case nil:
		raw, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			resp.Error = &Error{Code: CodeInternalError, Message: marshalErr.Error()}
			break
		}
		resp.Result = raw
	case *Error:
		resp.Error = err
	default:
		resp.Error = &Error{Code: CodeInternalError, Message: err.Error()}
	}

	if writeErr := c.write(resp); writeErr != nil {
		c.logger.Error("failed to write jsonrpc response",
			slog.String("method", req.Method), slog.Any("error", writeErr))
	}
}

func (c *Conn) settleCall(resp *message) {
	if isNull(resp.ID) {
		c.logger.Warn("jsonrpc response without id, dropping")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[string(resp.ID)]
	delete(c.pending, string(resp.ID))
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("jsonrpc response for unknown call",
			slog.String("id", string(resp.ID)))
		return
	}
	ch <- resp
}

// Call issues a request and decodes the peer's result into result (which may
// be nil to discard it). It blocks until the response arrives, ctx is done,
// or the connection drops.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("call %s: connection closed", method)
	}
	c.nextID++
	id := json.RawMessage(strconv.FormatUint(c.nextID, 10))
	ch := make(chan *message, 1)
	c.pending[string(id)] = ch
	c.mu.Unlock()

	err = c.write(&message{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, string(id))
		c.mu.Unlock()
		return fmt.Errorf("call %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, string(id))
		c.mu.Unlock()
		return ctx.Err()
	case resp := <-ch:
		if resp == nil {
			return fmt.Errorf("call %s: connection closed", method)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	}
}

// Notify sends a request without an ID; the peer will not answer it.
func (c *Conn) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	return c.write(&message{JSONRPC: "2.0", Method: method, Params: raw})
}

// Close tears down the underlying WebSocket.
func (c *Conn) Close() error {
	return c.ws.Close()
}

func (c *Conn) write(msg *message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// failPending wakes every waiting Call with a connection-closed error.
func (c *Conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- nil
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
