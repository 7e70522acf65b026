package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"newsriver/internal/auth"
	"newsriver/internal/domain"
	"newsriver/internal/wsrpc"
)

// recsystemClient plays the remote recommendation system: it answers the
// ping handshake, records notifications, and serves recommend calls.
type recsystemClient struct {
	conn     *wsrpc.Conn
	articles chan json.RawMessage
}

func dialStream(t *testing.T, serverURL, token string) (*recsystemClient, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/v1/events/stream?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, resp, err
	}

	client := &recsystemClient{
		conn:     wsrpc.New(ws, testLogger()),
		articles: make(chan json.RawMessage, 16),
	}
	client.conn.Register("ping", func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	})
	client.conn.Register("new_article", func(_ context.Context, params json.RawMessage) (any, error) {
		client.articles <- params
		return nil, nil
	})
	client.conn.Register("recommend", func(context.Context, json.RawMessage) (any, error) {
		return []int64{2}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		client.conn.Close()
	})
	go func() { _ = client.conn.Serve(ctx) }()
	return client, resp, nil
}

func streamEnv(t *testing.T) (*webEnv, *httptest.Server, string) {
	t.Helper()
	env := newWebEnv(t)
	env.store.seed("recsystems", bson.M{"_id": "rs1", "name": "baseline", "token_id": "tok"})

	token, err := env.signer.Sign("rs1", auth.RoleRecsystem, "tok")
	require.NoError(t, err)

	srv := httptest.NewServer(env.server.Routes())
	t.Cleanup(srv.Close)
	return env, srv, token
}

func waitConnected(t *testing.T, env *webEnv) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(env.hub.Connected()) == 1
	}, 5*time.Second, 10*time.Millisecond, "recsystem never finished the handshake")
}

func TestStream_DeliversNewArticleEvents(t *testing.T) {
	env, srv, token := streamEnv(t)

	client, _, err := dialStream(t, srv.URL, token)
	require.NoError(t, err)
	waitConnected(t, env)

	event, err := domain.NewEvent(domain.EventNewArticle, map[string]string{"title": "T"})
	require.NoError(t, err)
	env.hub.Dispatch(event)

	select {
	case params := <-client.articles:
		assert.JSONEq(t, `{"article":{"title":"T"}}`, string(params))
	case <-time.After(5 * time.Second):
		t.Fatal("new_article notification never arrived")
	}
}

func TestStream_SecondConnectionRejected(t *testing.T) {
	env, srv, token := streamEnv(t)

	_, _, err := dialStream(t, srv.URL, token)
	require.NoError(t, err)
	waitConnected(t, env)

	_, resp, err := dialStream(t, srv.URL, token)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, readErr)
	assert.Contains(t, string(body), "multiple simultaneous connections")

	// The first connection is unaffected.
	assert.Len(t, env.hub.Connected(), 1)
}

func TestStream_RejectsRevokedAndForeignTokens(t *testing.T) {
	env, srv, _ := streamEnv(t)

	revoked, err := env.signer.Sign("rs1", auth.RoleRecsystem, "stale-token-id")
	require.NoError(t, err)
	_, resp, err := dialStream(t, srv.URL, revoked)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	userToken := env.userToken(t, "u1")
	_, resp, err = dialStream(t, srv.URL, userToken)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Empty(t, env.hub.Connected())
}

func TestStream_DisconnectFreesTheSlot(t *testing.T) {
	env, srv, token := streamEnv(t)

	client, _, err := dialStream(t, srv.URL, token)
	require.NoError(t, err)
	waitConnected(t, env)

	client.conn.Close()
	require.Eventually(t, func() bool {
		return len(env.hub.Connected()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	_, _, err = dialStream(t, srv.URL, token)
	assert.NoError(t, err, "a fresh connection succeeds after disconnect")
}

func TestRecommendations_ViaConnectedRecsystem(t *testing.T) {
	env, srv, token := streamEnv(t)
	seedArticles(env, 3)

	_, _, err := dialStream(t, srv.URL, token)
	require.NoError(t, err)
	waitConnected(t, env)

	req, err := http.NewRequest(http.MethodGet,
		srv.URL+"/api/v1/recommendations?recsystem=baseline", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.userToken(t, "u1"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string][]bson.M
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body["articles"], 1, "the recsystem picked exactly one article")
	assert.Equal(t, int64(2), docInt(body["articles"][0], "article_id"))
}
