package controller

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestRPCFeedsLoad(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.ctrl.rpcFeedsLoad(ctx, rawParams(t, map[string]any{
		"feeds": []map[string]string{
			{"url": "https://example.org/a.xml", "type": "atom", "lang": "de"},
			{"url": "https://example.org/b.xml"},
			{"url": "https://example.org/a.xml"},
			{},
		},
	}))
	require.NoError(t, err)

	messages := result.([]string)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0], "WARNING")
	assert.Contains(t, messages[0], "https://example.org/a.xml")
	assert.Contains(t, messages[1], "ERROR")

	assert.Equal(t, 2, env.store.count("feeds"))
	doc := env.store.mustFind("feeds", bson.M{"url": "https://example.org/b.xml"})
	assert.Equal(t, "rss", doc["type"], "type defaults to rss")
	assert.Equal(t, "en", doc["lang"], "lang defaults to en")
}

func TestRPCFeedsList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFeed(t, "https://example.org/a.xml")
	env.seedFeed(t, "https://example.org/b.xml")

	t.Run("json", func(t *testing.T) {
		result, err := env.ctrl.rpcFeedsList(ctx, rawParams(t, map[string]string{"format": "json"}))
		require.NoError(t, err)

		var list []map[string]string
		require.NoError(t, json.Unmarshal([]byte(result.(string)), &list))
		require.Len(t, list, 2)
		assert.Equal(t, "https://example.org/a.xml", list[0]["url"])
		assert.Equal(t, "rss", list[0]["type"])
		assert.Equal(t, "en", list[0]["lang"])
	})

	t.Run("csv", func(t *testing.T) {
		result, err := env.ctrl.rpcFeedsList(ctx, rawParams(t, map[string]string{"format": "csv"}))
		require.NoError(t, err)

		lines := strings.Split(result.(string), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, "url,type,lang", lines[0])
		assert.Equal(t, "https://example.org/a.xml,rss,en", lines[1])
	})

	t.Run("csv without header", func(t *testing.T) {
		result, err := env.ctrl.rpcFeedsList(ctx, rawParams(t, map[string]any{
			"format": "csv", "header": false,
		}))
		require.NoError(t, err)
		assert.Len(t, strings.Split(result.(string), "\n"), 2)
	})

	t.Run("table is the default", func(t *testing.T) {
		result, err := env.ctrl.rpcFeedsList(ctx, nil)
		require.NoError(t, err)

		lines := strings.Split(result.(string), "\n")
		require.Len(t, lines, 3)
		assert.Contains(t, lines[0], "url")
		assert.Contains(t, lines[1], "https://example.org/a.xml")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := env.ctrl.rpcFeedsList(ctx, rawParams(t, map[string]string{"format": "xml"}))
		assert.ErrorContains(t, err, "format")
	})
}

func TestRPCRecsystemRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.ctrl.rpcRecsystemRegister(ctx, rawParams(t, map[string]any{
		"name": "baseline", "is_baseline": true,
	}))
	require.NoError(t, err)

	reg := result.(recsystemRegisterResult)
	assert.Len(t, reg.ID, 24, "IDs are hex-encoded ObjectIDs")
	assert.NotEmpty(t, reg.Token)

	doc := env.store.mustFind("recsystems", bson.M{"name": "baseline"})
	assert.Len(t, doc["token_id"], 40)

	t.Run("duplicate name", func(t *testing.T) {
		_, err := env.ctrl.rpcRecsystemRegister(ctx, rawParams(t, map[string]any{
			"name": "baseline", "is_baseline": true,
		}))
		assert.ErrorContains(t, err, "already exists")
	})

	t.Run("owners required unless baseline", func(t *testing.T) {
		_, err := env.ctrl.rpcRecsystemRegister(ctx, rawParams(t, map[string]any{
			"name": "community",
		}))
		assert.ErrorContains(t, err, "owner")
	})

	t.Run("name required", func(t *testing.T) {
		_, err := env.ctrl.rpcRecsystemRegister(ctx, rawParams(t, map[string]any{
			"is_baseline": true,
		}))
		assert.ErrorContains(t, err, "name")
	})
}

func TestRPCRecsystemRegister_SignFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.signer.fail = true

	_, err := env.ctrl.rpcRecsystemRegister(ctx, rawParams(t, map[string]any{
		"name": "baseline", "is_baseline": true,
	}))
	require.Error(t, err)
	assert.Equal(t, 0, env.store.count("recsystems"))

	// The name stays free for a retry once signing recovers.
	env.signer.fail = false
	_, err = env.ctrl.rpcRecsystemRegister(ctx, rawParams(t, map[string]any{
		"name": "baseline", "is_baseline": true,
	}))
	assert.NoError(t, err)
}

func TestRPCRecsystemRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.ctrl.rpcRecsystemRegister(ctx, rawParams(t, map[string]any{
		"name": "baseline", "is_baseline": true,
	}))
	require.NoError(t, err)
	reg := result.(recsystemRegisterResult)
	oldTokenID := env.store.mustFind("recsystems", bson.M{"name": "baseline"})["token_id"]

	t.Run("by name", func(t *testing.T) {
		result, err := env.ctrl.rpcRecsystemRefreshToken(ctx, rawParams(t, map[string]string{
			"id_or_name": "baseline",
		}))
		require.NoError(t, err)
		assert.NotEqual(t, reg.Token, result.(string))

		doc := env.store.mustFind("recsystems", bson.M{"name": "baseline"})
		assert.NotEqual(t, oldTokenID, doc["token_id"],
			"rotation must invalidate previously issued tokens")
	})

	t.Run("by id", func(t *testing.T) {
		_, err := env.ctrl.rpcRecsystemRefreshToken(ctx, rawParams(t, map[string]string{
			"id_or_name": reg.ID,
		}))
		assert.NoError(t, err)
	})

	t.Run("unknown recsystem", func(t *testing.T) {
		_, err := env.ctrl.rpcRecsystemRefreshToken(ctx, rawParams(t, map[string]string{
			"id_or_name": "nobody",
		}))
		assert.ErrorContains(t, err, "unknown recsystem")
	})
}

func TestRPCStatus(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.inflight.Add(ActionCrawlFeeds, "a")

	result, err := env.ctrl.rpcStatus(context.Background(), nil)
	require.NoError(t, err)

	status := result.(statusResult)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, map[string]int{ActionCrawlFeeds: 1}, status.Inflight)
}
