// newsriverctl is the operator CLI. It talks to a running controller over
// the controller_rpc exchange.
//
//	newsriverctl feeds list [-format table|json|csv] [-no-header]
//	newsriverctl feeds load <feeds.yaml>
//	newsriverctl recsystem register -name NAME [-baseline] [-owner USER]...
//	newsriverctl recsystem refresh-token <id-or-name>
//	newsriverctl status
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"newsriver/internal/broker"
	"newsriver/internal/config"
	"newsriver/internal/domain"
	"newsriver/internal/observability/logging"
)

const rpcTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: newsriverctl <feeds|recsystem|status> ...")
	}

	switch args[0] {
	case "feeds":
		return runFeeds(args[1:])
	case "recsystem":
		return runRecsystem(args[1:])
	case "status":
		return runStatus()
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// rpcCall connects, performs one control-plane call, and disconnects. The
// CLI is short-lived; a connection per invocation is fine.
func rpcCall(method string, params, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	cfg := config.Load()
	logger := logging.NewTextLogger()

	b, err := broker.Connect(ctx, cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("controller unreachable: %w", err)
	}
	defer b.Close()

	client, err := b.RPCClient(domain.ExchangeControlRPC)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Call(ctx, method, params, out)
}

func runFeeds(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: newsriverctl feeds <list|load> ...")
	}

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("feeds list", flag.ExitOnError)
		format := fs.String("format", "table", "output format: table, json or csv")
		noHeader := fs.Bool("no-header", false, "omit the header row")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		header := !*noHeader
		var out string
		err := rpcCall("feeds_list", map[string]any{
			"format": *format,
			"header": header,
		}, &out)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil

	case "load":
		if len(args) != 2 {
			return fmt.Errorf("usage: newsriverctl feeds load <feeds.yaml>")
		}
		feeds, err := readFeedsFile(args[1])
		if err != nil {
			return err
		}

		var messages []string
		if err := rpcCall("feeds_load", map[string]any{"feeds": feeds}, &messages); err != nil {
			return err
		}
		for _, msg := range messages {
			fmt.Println(msg)
		}
		fmt.Printf("loaded %d feeds (%d messages)\n", len(feeds), len(messages))
		return nil

	default:
		return fmt.Errorf("unknown feeds command %q", args[0])
	}
}

// feedEntry is one feed in the operator's seed file.
type feedEntry struct {
	URL  string `yaml:"url" json:"url"`
	Type string `yaml:"type" json:"type"`
	Lang string `yaml:"lang" json:"lang"`
}

func readFeedsFile(path string) ([]feedEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var feeds []feedEntry
	if err := yaml.Unmarshal(raw, &feeds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("%s contains no feeds", path)
	}
	return feeds, nil
}

// ownerList collects repeated -owner flags.
type ownerList []string

func (o *ownerList) String() string     { return strings.Join(*o, ",") }
func (o *ownerList) Set(v string) error { *o = append(*o, v); return nil }

func runRecsystem(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: newsriverctl recsystem <register|refresh-token> ...")
	}

	switch args[0] {
	case "register":
		fs := flag.NewFlagSet("recsystem register", flag.ExitOnError)
		name := fs.String("name", "", "recsystem name (required, unique)")
		baseline := fs.Bool("baseline", false, "register as the baseline recsystem")
		var owners ownerList
		fs.Var(&owners, "owner", "owning user ID (repeatable; required unless -baseline)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		var out struct {
			ID    string `json:"id"`
			Token string `json:"token"`
		}
		err := rpcCall("recsystem_register", map[string]any{
			"name":        *name,
			"is_baseline": *baseline,
			"owners":      []string(owners),
		}, &out)
		if err != nil {
			return err
		}
		fmt.Printf("registered recsystem %s\nid:    %s\ntoken: %s\n", *name, out.ID, out.Token)
		return nil

	case "refresh-token":
		if len(args) != 2 {
			return fmt.Errorf("usage: newsriverctl recsystem refresh-token <id-or-name>")
		}
		var token string
		err := rpcCall("recsystem_refresh_token", map[string]any{"id_or_name": args[1]}, &token)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil

	default:
		return fmt.Errorf("unknown recsystem command %q", args[0])
	}
}

func runStatus() error {
	var out map[string]any
	if err := rpcCall("status", nil, &out); err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
