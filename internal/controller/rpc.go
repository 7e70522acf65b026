package controller

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"newsriver/internal/broker"
	"newsriver/internal/domain"
	"newsriver/internal/observability/metrics"
)

// feedColumns are the fields reported by feeds_list, in output order.
var feedColumns = []string{"url", "type", "lang"}

// RegisterRPCs installs the control-plane methods on the RPC server.
func (c *Controller) RegisterRPCs(srv *broker.RPCServer) {
	srv.Register("feeds_list", c.rpcFeedsList)
	srv.Register("feeds_load", c.rpcFeedsLoad)
	srv.Register("recsystem_register", c.rpcRecsystemRegister)
	srv.Register("recsystem_refresh_token", c.rpcRecsystemRefreshToken)
	srv.Register("status", c.rpcStatus)
}

type feedsListParams struct {
	Format string `json:"format"`
	Header *bool  `json:"header"`
}

func (c *Controller) rpcFeedsList(ctx context.Context, params json.RawMessage) (result any, err error) {
	defer func() { metrics.RecordRPC("feeds_list", err) }()

	args := feedsListParams{Format: "table"}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("invalid feeds_list params: %w", err)
		}
	}
	header := args.Header == nil || *args.Header

	feeds, err := c.store.Find(ctx, domain.CollectionFeeds, bson.M{}, nil, 0)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(feeds))
	for _, feed := range feeds {
		row := make([]string, len(feedColumns))
		for i, col := range feedColumns {
			row[i] = docString(feed, col)
		}
		rows = append(rows, row)
	}

	switch args.Format {
	case "json":
		list := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			entry := make(map[string]string, len(feedColumns))
			for i, col := range feedColumns {
				entry[col] = row[i]
			}
			list = append(list, entry)
		}
		out, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return nil, err
		}
		return string(out), nil

	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if header {
			_ = w.Write(feedColumns)
		}
		for _, row := range rows {
			_ = w.Write(row)
		}
		w.Flush()
		return strings.TrimRight(buf.String(), "\n"), nil

	case "table":
		var buf bytes.Buffer
		w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
		if header {
			fmt.Fprintln(w, strings.Join(feedColumns, "\t"))
		}
		for _, row := range rows {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		_ = w.Flush()
		return strings.TrimRight(buf.String(), "\n"), nil

	default:
		return nil, fmt.Errorf("format must be one of 'table', 'json', 'csv'")
	}
}

type feedsLoadParams struct {
	Feeds []feedInput `json:"feeds"`
}

type feedInput struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Lang string `json:"lang"`
}

// rpcFeedsLoad registers feeds in bulk. It returns warning/error messages
// for feeds that could not be loaded; an already-registered feed is a
// warning, not a failure.
func (c *Controller) rpcFeedsLoad(ctx context.Context, params json.RawMessage) (result any, err error) {
	defer func() { metrics.RecordRPC("feeds_load", err) }()

	var args feedsLoadParams
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid feeds_load params: %w", err)
	}

	messages := []string{}
	for _, feed := range args.Feeds {
		if feed.URL == "" {
			messages = append(messages, "ERROR: feed without url; ignoring")
			continue
		}
		if feed.Type == "" {
			feed.Type = "rss"
		}
		if feed.Lang == "" {
			feed.Lang = "en"
		}

		insertErr := c.store.InsertOne(ctx, domain.CollectionFeeds, bson.M{
			"url":  feed.URL,
			"type": feed.Type,
			"lang": feed.Lang,
		})
		switch {
		case insertErr == nil:
		case isDuplicate(insertErr):
			messages = append(messages, fmt.Sprintf(
				"WARNING: feed %s is already registered; ignoring", feed.URL))
		default:
			messages = append(messages, fmt.Sprintf(
				"ERROR: could not load feed %s: %v", feed.URL, insertErr))
		}
	}
	return messages, nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, domain.ErrDuplicate)
}

type recsystemRegisterParams struct {
	Name       string   `json:"name"`
	IsBaseline bool     `json:"is_baseline"`
	Owners     []string `json:"owners"`
}

type recsystemRegisterResult struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// rpcRecsystemRegister creates a recsystem and issues its first auth token.
// If signing fails the inserted document is rolled back so the name stays
// free for a retry.
func (c *Controller) rpcRecsystemRegister(ctx context.Context, params json.RawMessage) (result any, err error) {
	defer func() { metrics.RecordRPC("recsystem_register", err) }()

	var args recsystemRegisterParams
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid recsystem_register params: %w", err)
	}
	if args.Name == "" {
		return nil, fmt.Errorf("recsystem name is required")
	}
	if !args.IsBaseline && len(args.Owners) == 0 {
		return nil, fmt.Errorf("user-provided recsystems must have at least one registered owner")
	}

	existing, err := c.store.FindOne(ctx, "recsystems", bson.M{"name": args.Name})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("a recsystem named %q already exists; recsystem names must be unique", args.Name)
	}

	tokenID, err := newTokenID()
	if err != nil {
		return nil, err
	}

	oid := primitive.NewObjectID()
	err = c.store.InsertOne(ctx, "recsystems", bson.M{
		"_id":         oid,
		"name":        args.Name,
		"is_baseline": args.IsBaseline,
		"owners":      args.Owners,
		"token_id":    tokenID,
	})
	if err != nil {
		return nil, err
	}

	id := oid.Hex()
	token, err := c.signer.Sign(id, "recsystem", tokenID)
	if err != nil {
		if delErr := c.store.DeleteOne(ctx, "recsystems", bson.M{"_id": oid}); delErr != nil {
			c.logger.Error("failed to roll back recsystem insert",
				"id", id, "error", delErr)
		}
		return nil, fmt.Errorf("issue token for %s: %w", args.Name, err)
	}

	return recsystemRegisterResult{ID: id, Token: token}, nil
}

type refreshTokenParams struct {
	IDOrName string `json:"id_or_name"`
}

// rpcRecsystemRefreshToken rotates a recsystem's token_id and issues a new
// token, invalidating all previously issued ones. If an ID happens to also
// be another recsystem's name, the ID takes precedence.
func (c *Controller) rpcRecsystemRefreshToken(ctx context.Context, params json.RawMessage) (result any, err error) {
	defer func() { metrics.RecordRPC("recsystem_refresh_token", err) }()

	var args refreshTokenParams
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid recsystem_refresh_token params: %w", err)
	}
	if args.IDOrName == "" {
		return nil, fmt.Errorf("id_or_name is required")
	}

	filter := bson.M{"name": args.IDOrName}
	if oid, err := primitive.ObjectIDFromHex(args.IDOrName); err == nil {
		filter = bson.M{"$or": bson.A{bson.M{"_id": oid}, filter}}
	}

	recsystem, err := c.store.FindOne(ctx, "recsystems", filter)
	if err != nil {
		return nil, err
	}
	if recsystem == nil {
		return nil, fmt.Errorf("unknown recsystem ID or name %s", args.IDOrName)
	}

	tokenID, err := newTokenID()
	if err != nil {
		return nil, err
	}

	id := idString(recsystem["_id"])
	token, err := c.signer.Sign(id, "recsystem", tokenID)
	if err != nil {
		return nil, fmt.Errorf("issue token for %s: %w", args.IDOrName, err)
	}

	_, err = c.store.ApplyUpdate(ctx, "recsystems", bson.M{"_id": recsystem["_id"]},
		bson.M{"$set": bson.M{"token_id": tokenID}}, false)
	if err != nil {
		return nil, err
	}
	return token, nil
}

type statusResult struct {
	Status   string         `json:"status"`
	Inflight map[string]int `json:"inflight"`
}

// rpcStatus reports controller liveness; the CLI uses it as a health probe.
func (c *Controller) rpcStatus(context.Context, json.RawMessage) (result any, err error) {
	defer func() { metrics.RecordRPC("status", err) }()
	return statusResult{Status: "ok", Inflight: c.inflight.Counts()}, nil
}

// newTokenID draws a fresh 40-hex rotating nonce.
func newTokenID() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
