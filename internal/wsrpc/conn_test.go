package wsrpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// connPair dials a WebSocket against an in-process server and wraps both
// ends. Serve is started by the individual tests so they can register
// handlers first.
func connPair(t *testing.T) (client, server *Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConns := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		serverConns <- New(ws, testLogger())
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	client = New(ws, testLogger())
	server = <-serverConns
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func serveBoth(t *testing.T, client, server *Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Serve(ctx) }()
	go func() { _ = client.Serve(ctx) }()
}

func TestCall_RoundTrip(t *testing.T) {
	client, server := connPair(t)
	server.Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var in map[string]string
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		return in, nil
	})
	serveBoth(t, client, server)

	var out map[string]string
	err := client.Call(context.Background(), "echo", map[string]string{"k": "v"}, &out)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, out)
}

func TestCall_MethodNotFound(t *testing.T) {
	client, server := connPair(t)
	serveBoth(t, client, server)

	err := client.Call(context.Background(), "nope", nil, nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestCall_HandlerErrorPropagates(t *testing.T) {
	client, server := connPair(t)
	server.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, &Error{Code: 42, Message: "no recommendations yet"}
	})
	serveBoth(t, client, server)

	err := client.Call(context.Background(), "fail", nil, nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 42, rpcErr.Code)
	assert.Equal(t, "no recommendations yet", rpcErr.Message)
}

func TestNotify_NoResponseExpected(t *testing.T) {
	client, server := connPair(t)
	received := make(chan json.RawMessage, 1)
	server.Register("new_article", func(_ context.Context, params json.RawMessage) (any, error) {
		received <- params
		return nil, nil
	})
	serveBoth(t, client, server)

	require.NoError(t, client.Notify("new_article", map[string]string{"url": "u"}))

	select {
	case params := <-received:
		assert.JSONEq(t, `{"url":"u"}`, string(params))
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestCall_ServerInitiated(t *testing.T) {
	client, server := connPair(t)
	client.Register("ping", func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	})
	serveBoth(t, client, server)

	var out string
	require.NoError(t, server.Call(context.Background(), "ping", nil, &out))
	assert.Equal(t, "pong", out)
}

func TestCall_ConcurrentCallsMatchResponses(t *testing.T) {
	client, server := connPair(t)
	server.Register("double", func(_ context.Context, params json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(params, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	})
	serveBoth(t, client, server)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var out int
			if err := client.Call(context.Background(), "double", n, &out); err != nil {
				t.Error(err)
				return
			}
			if out != n*2 {
				t.Errorf("call %d: got %d", n, out)
			}
		}(i)
	}
	wg.Wait()
}

func TestCall_PeerDisconnectFailsWaiters(t *testing.T) {
	client, server := connPair(t)
	block := make(chan struct{})
	server.Register("hang", func(context.Context, json.RawMessage) (any, error) {
		<-block
		return nil, nil
	})
	defer close(block)
	serveBoth(t, client, server)

	errs := make(chan error, 1)
	go func() {
		errs <- client.Call(context.Background(), "hang", nil, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	server.Close()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("call never failed after disconnect")
	}
}

func TestDispatch_Batch(t *testing.T) {
	client, server := connPair(t)
	server.Register("one", func(context.Context, json.RawMessage) (any, error) { return 1, nil })
	serveBoth(t, client, server)

	// A batch is served element by element; the lone request in it still
	// gets its response.
	ch := make(chan *message, 1)
	client.mu.Lock()
	client.pending["101"] = ch
	client.mu.Unlock()
	client.writeMu.Lock()
	err := client.ws.WriteMessage(websocket.TextMessage,
		[]byte(`[{"jsonrpc":"2.0","id":101,"method":"one"}]`))
	client.writeMu.Unlock()
	require.NoError(t, err)

	select {
	case resp := <-ch:
		require.NotNil(t, resp)
		assert.JSONEq(t, `1`, string(resp.Result))
	case <-time.After(5 * time.Second):
		t.Fatal("batched call never answered")
	}
}
