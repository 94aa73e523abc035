package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/urfave/cli/v2"

	"ChainFlow-Nodes/internal/config"
	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/execution"
	"ChainFlow-Nodes/internal/network"
	"ChainFlow-Nodes/internal/node"
	"ChainFlow-Nodes/internal/rpc"
	"ChainFlow-Nodes/internal/subscription"
	"ChainFlow-Nodes/internal/trigger"
	"ChainFlow-Nodes/pkg/logger"
)

// env is what every command needs: the node registry and credential profiles.
type env struct {
	registry *node.Registry
	profiles execution.EnvCredentials
}

func loadEnv(c *cli.Context) (*env, error) {
	cfg := config.Defaults()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := logger.Init(logger.Config{
		Level:       c.String("log-level"),
		Format:      "text",
		OutputPaths: []string{"stderr"},
	}); err != nil {
		return nil, err
	}

	catalogDir := cfg.Catalog.Dir
	if v := c.String("catalog-dir"); v != "" {
		catalogDir = v
	}
	networksFile := cfg.Networks.File
	if v := c.String("networks-file"); v != "" {
		networksFile = v
	}
	client := rpc.NewClient(
		rpc.WithTimeout(cfg.RPC.Timeout.Std()),
		rpc.WithUserAgent(cfg.RPC.UserAgent),
		rpc.WithMaxResponseBytes(cfg.RPC.MaxResponseBytes),
	)
	registry, err := node.LoadRegistry(catalogDir, networksFile,
		node.WithRPCClient(client),
		node.WithStreamOptions(subscription.WithHeartbeat(cfg.Triggers.StreamHeartbeat.Std())),
	)
	if err != nil {
		return nil, err
	}
	return &env{registry: registry, profiles: execution.EnvCredentials{Profiles: cfg.Credentials}}, nil
}

// credentials resolves the selected profile and applies --cred overrides.
func (e *env) credentials(c *cli.Context) (network.Credentials, error) {
	creds, err := e.profiles.Credentials(c.Context, c.String("profile"))
	if err != nil {
		return nil, err
	}
	if creds == nil {
		creds = network.Credentials{}
	}
	for _, kv := range c.StringSlice("cred") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("credential %q must be key=value", kv))
		}
		creds[strings.TrimSpace(key)] = value
	}
	return creds, nil
}

func listNodes(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.registry.Close()

	kind := node.Kind(c.String("kind"))
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tKIND\tPROVIDER\tDEFAULT NETWORK")
	for _, d := range e.registry.Descriptions() {
		if kind != "" && d.Kind != kind {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Type, d.Kind, d.Provider, d.DefaultNetwork)
	}
	return tw.Flush()
}

func listProviders(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.registry.Close()

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tOPERATIONS\tNETWORKS\tDEFAULT NETWORK")
	for _, p := range e.registry.Providers() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", p.Key, p.Operations, p.Networks, p.DefaultNetwork)
	}
	return tw.Flush()
}

func describeNode(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.registry.Close()

	typ := c.String("node")
	d, ok := e.registry.Describe(typ)
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown node type %q", typ))
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

func listOperations(c *cli.Context) error {
	return printOptions(c, node.MethodGetOperations, node.Query{
		Network:  c.String("network"),
		Category: c.String("category"),
	})
}

func listNetworks(c *cli.Context) error {
	return printOptions(c, node.MethodGetNetworks, node.Query{})
}

func printOptions(c *cli.Context, method string, q node.Query) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.registry.Close()

	opts, err := e.registry.LoadMethods(c.Context, c.String("node"), method, q)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	for _, o := range opts {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Value, o.Name, o.Description)
	}
	return tw.Flush()
}

func runOperation(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.registry.Close()

	params, err := readParams(c.String("params"))
	if err != nil {
		return err
	}
	creds, err := e.credentials(c)
	if err != nil {
		return err
	}
	raw, err := e.registry.Run(c.Context, c.String("node"), node.Input{
		Operation:   c.String("op"),
		Network:     c.String("network"),
		Params:      params,
		Credentials: creds,
	})
	if err != nil {
		return err
	}
	if q := c.String("query"); q != "" {
		return printQuery(c.App.Writer, raw, q)
	}
	_, err = fmt.Fprintln(c.App.Writer, string(raw))
	return err
}

// readParams accepts inline JSON or @path.
func readParams(value string) (json.RawMessage, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	content := []byte(value)
	if path, ok := strings.CutPrefix(value, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read params file")
		}
		content = data
	}
	if !json.Valid(content) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "params must be valid JSON")
	}
	return json.RawMessage(content), nil
}

// printQuery prints every JSONPath match on its own line. Strings are printed bare.
func printQuery(w io.Writer, raw json.RawMessage, query string) error {
	x, err := jp.ParseString(query)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid query")
	}
	doc, err := oj.Parse(raw)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "response is not JSON")
	}
	for _, v := range x.Get(doc) {
		if s, ok := v.(string); ok {
			fmt.Fprintln(w, s)
			continue
		}
		fmt.Fprintln(w, oj.JSON(v))
	}
	return nil
}

func subscribe(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.registry.Close()

	params, err := readParams(c.String("params"))
	if err != nil {
		return err
	}
	creds, err := e.credentials(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := newPrintSink(c.App.Writer, c.Int("limit"))
	manager := trigger.NewManager(e.registry, sink, trigger.WithCredentialSource(fixedCredentials(creds)))
	defer func() { _ = manager.Close() }()

	info, err := manager.Start(ctx, trigger.Request{
		Node:      c.String("node"),
		Operation: c.String("op"),
		Network:   c.String("network"),
		Params:    params,
		Interval:  c.String("interval"),
		Filter:    c.String("filter"),
	})
	if err != nil {
		return err
	}
	return waitTrigger(ctx, manager, info.ID, sink.done, 500*time.Millisecond)
}

// waitTrigger blocks until ctx ends, the sink is satisfied or the trigger stops on its own.
func waitTrigger(ctx context.Context, manager *trigger.Manager, id string, done <-chan struct{}, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			if _, err := manager.Get(id); err != nil {
				return xerrors.New(xerrors.CodeSubscriptionFailure, fmt.Sprintf("trigger %s stopped", id))
			}
		}
	}
}

type fixedCredentials network.Credentials

func (f fixedCredentials) Credentials(context.Context, string) (network.Credentials, error) {
	return network.Credentials(f), nil
}

// printSink writes each payload as one line and closes done after limit events.
type printSink struct {
	mu    sync.Mutex
	w     io.Writer
	limit int
	count int
	done  chan struct{}
}

func newPrintSink(w io.Writer, limit int) *printSink {
	return &printSink{w: w, limit: limit, done: make(chan struct{})}
}

func (s *printSink) Deliver(_ context.Context, ev trigger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.count >= s.limit {
		return nil
	}
	if _, err := fmt.Fprintln(s.w, string(ev.Payload)); err != nil {
		return err
	}
	s.count++
	if s.limit > 0 && s.count == s.limit {
		close(s.done)
	}
	return nil
}

func (s *printSink) Close() error { return nil }
