package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// rpcKey is the routing key RPC requests ride under on their exchange.
const rpcKey = "rpc"

// rpcRequest is the body of an RPC call. Methods are dispatched from an
// explicit registry; there is no reflective lookup.
type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the body of an RPC reply. Exactly one of Result or Error is
// set.
type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RPCHandler serves one registered method.
type RPCHandler func(ctx context.Context, params json.RawMessage) (any, error)

// RPCServer consumes requests from an exchange-bound queue and replies to the
// caller's private queue.
type RPCServer struct {
	broker   *Broker
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	methods map[string]RPCHandler
}

// RPCServer returns a server for the named RPC exchange. Methods must be
// registered before Run.
func (b *Broker) RPCServer(exchange string) *RPCServer {
	return &RPCServer{
		broker:   b,
		exchange: exchange,
		logger:   b.logger.With(slog.String("rpc_exchange", exchange)),
		methods:  make(map[string]RPCHandler),
	}
}

// Register adds a method to the registry. Registering a duplicate name
// panics; it is a programming error.
func (s *RPCServer) Register(name string, handler RPCHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[name]; exists {
		panic(fmt.Sprintf("rpc method %q registered twice", name))
	}
	s.methods[name] = handler
}

// Run consumes RPC requests until ctx is done. It blocks.
func (s *RPCServer) Run(ctx context.Context) error {
	ch, err := s.broker.channel(s.exchange)
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(s.exchange+"."+rpcKey, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare rpc queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, rpcKey, s.exchange, false, nil); err != nil {
		return fmt.Errorf("bind rpc queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume rpc queue: %w", err)
	}

	s.logger.Info("rpc server started", slog.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("rpc delivery channel closed")
			}
			s.serve(ctx, ch, d)
		}
	}
}

func (s *RPCServer) serve(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	resp := s.dispatch(ctx, d.Body)

	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal rpc response", slog.Any("error", err))
		body = []byte(`{"error":"internal error"}`)
	}

	if d.ReplyTo != "" {
		err = ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: d.CorrelationId,
			Body:          body,
		})
		if err != nil {
			s.logger.Error("failed to publish rpc reply", slog.Any("error", err))
		}
	}

	if err := d.Ack(false); err != nil {
		s.logger.Error("failed to ack rpc request", slog.Any("error", err))
	}
}

func (s *RPCServer) dispatch(ctx context.Context, body []byte) rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return rpcResponse{Error: "malformed rpc request"}
	}

	s.mu.Lock()
	handler, ok := s.methods[req.Method]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("unknown rpc method", slog.String("method", req.Method))
		return rpcResponse{Error: fmt.Sprintf("unknown method %q", req.Method)}
	}

	s.logger.Info("rpc method called", slog.String("method", req.Method))

	result, err := handler(ctx, req.Params)
	if err != nil {
		return rpcResponse{Error: err.Error()}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal rpc result",
			slog.String("method", req.Method), slog.Any("error", err))
		return rpcResponse{Error: "internal error"}
	}
	return rpcResponse{Result: raw}
}

// RPCClient issues calls against an RPC exchange and waits for correlated
// replies on a private callback queue.
type RPCClient struct {
	ch       *amqp.Channel
	exchange string
	callback string
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]chan rpcResponse
	closed  bool
}

// RPCClient returns a client for the named RPC exchange.
func (b *Broker) RPCClient(exchange string) (*RPCClient, error) {
	ch, err := b.channel(exchange)
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare callback queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume callback queue: %w", err)
	}

	c := &RPCClient{
		ch:       ch,
		exchange: exchange,
		callback: q.Name,
		logger:   b.logger,
		pending:  make(map[string]chan rpcResponse),
	}
	go c.receive(deliveries)
	return c, nil
}

func (c *RPCClient) receive(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var resp rpcResponse
		if err := json.Unmarshal(d.Body, &resp); err != nil {
			c.logger.Warn("malformed rpc reply, ignoring", slog.Any("error", err))
			continue
		}

		c.mu.Lock()
		waiter, ok := c.pending[d.CorrelationId]
		delete(c.pending, d.CorrelationId)
		c.mu.Unlock()
		if ok {
			waiter <- resp
		}
	}

	// Channel closed: release all waiters.
	c.mu.Lock()
	c.closed = true
	for id, waiter := range c.pending {
		delete(c.pending, id)
		waiter <- rpcResponse{Error: "rpc connection closed"}
	}
	c.mu.Unlock()
}

// Call invokes method with params and decodes the reply into out. A non-nil
// out is required for methods that return a result.
func (c *RPCClient) Call(ctx context.Context, method string, params, out any) error {
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params for %s: %w", method, err)
		}
	}

	body, err := json.Marshal(rpcRequest{Method: method, Params: rawParams})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	corrID := uuid.NewString()
	waiter := make(chan rpcResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("rpc client closed")
	}
	c.pending[corrID] = waiter
	c.mu.Unlock()

	err = c.ch.PublishWithContext(ctx, c.exchange, rpcKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       c.callback,
		Body:          body,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
		return fmt.Errorf("publish rpc request %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
		return ctx.Err()
	case resp := <-waiter:
		if resp.Error != "" {
			return fmt.Errorf("rpc %s: %s", method, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode rpc %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Close releases the client's channel and callback queue.
func (c *RPCClient) Close() error {
	return c.ch.Close()
}
