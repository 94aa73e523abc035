package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ChainFlow-Nodes/internal/catalog"
	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/network"
	"ChainFlow-Nodes/internal/rpc"
)

func testTable(httpURL, wsURL string) *network.Table {
	return network.NewTable(network.Definitions{Providers: map[string]network.ProviderDefinition{
		"alchemy": {
			HTTPURL:        httpURL + "/{network}/{apiKey}",
			WSURL:          wsURL,
			DefaultNetwork: "eth-mainnet",
			Networks: []network.Network{
				{Key: "eth-mainnet", Name: "Ethereum Mainnet", ChainID: 1},
				{Key: "zksync-mainnet", Name: "zkSync", ChainID: 324},
			},
		},
		"opensea": {
			HTTPURL:        httpURL + "/api/v2",
			WSURL:          wsURL,
			DefaultNetwork: "ethereum",
			Networks:       []network.Network{{Key: "ethereum", Name: "Ethereum", ChainID: 1}},
		},
	}})
}

func defaultCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

type recordingServer struct {
	mu     sync.Mutex
	calls  int
	path   string
	body   string
	header http.Header
	query  string
	reply  string
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.calls++
	s.path = r.URL.Path
	s.query = r.URL.RawQuery
	s.body = string(body)
	s.header = r.Header.Clone()
	reply := s.reply
	s.mu.Unlock()
	_, _ = io.WriteString(w, reply)
}

func TestRPCNodeRunBuildsBodyAndForwardsResponse(t *testing.T) {
	rec := &recordingServer{reply: `{"jsonrpc":"2.0","id":1,"result":"0x7c2562030800"}`}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	n := NewRPCNode("alchemy", "Alchemy", defaultCatalog(t), testTable(srv.URL, ""), rpc.NewClient())
	resp, err := n.Run(context.Background(), Input{
		Operation:   "eth_getBalance",
		Params:      json.RawMessage(`{"address":"0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe","block":1024}`),
		Credentials: network.Credentials{"apiKey": "key-1"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(resp) != rec.reply {
		t.Fatalf("response altered: %s", resp)
	}
	if rec.path != "/eth-mainnet/key-1" {
		t.Fatalf("unexpected endpoint path %s", rec.path)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(rec.body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	params := body["params"].([]any)
	if body["method"] != "eth_getBalance" || body["jsonrpc"] != "2.0" || len(params) != 2 || params[1] != "0x400" {
		t.Fatalf("unexpected request body %s", rec.body)
	}
}

func TestRPCNodeRunNormalizesFailures(t *testing.T) {
	rec := &recordingServer{reply: `{}`}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	n := NewRPCNode("alchemy", "Alchemy", defaultCatalog(t), testTable(srv.URL, ""), rpc.NewClient())
	creds := network.Credentials{"apiKey": "k"}

	cases := []struct {
		name string
		in   Input
		code xerrors.Code
	}{
		{"unknown operation", Input{Operation: "qn_fetchNFTs", Credentials: creds}, xerrors.CodeUnsupportedOperation},
		{"subscription via action", Input{Operation: "newHeads", Credentials: creds}, xerrors.CodeUnsupportedOperation},
		{"unknown network", Input{Operation: "eth_chainId", Network: "mainnet", Credentials: creds}, xerrors.CodeUnsupportedNetwork},
		{"restricted network", Input{Operation: "alchemy_getTokenBalances", Network: "zksync-mainnet", Credentials: creds,
			Params: json.RawMessage(`{"address":"0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe"}`)}, xerrors.CodeUnsupportedNetwork},
		{"invalid params", Input{Operation: "eth_getBalance", Params: json.RawMessage(`{"address":"nope"}`), Credentials: creds}, xerrors.CodeInvalidParams},
		{"missing credentials", Input{Operation: "eth_chainId"}, xerrors.CodeMissingCredentials},
	}
	for _, tc := range cases {
		_, err := n.Run(context.Background(), tc.in)
		e, ok := xerrors.From(err)
		if !ok || e.Code() != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
		if e.Metadata()["provider"] != "alchemy" || e.Metadata()["operation"] != tc.in.Operation {
			t.Fatalf("%s: metadata missing: %v", tc.name, e.Metadata())
		}
	}
	if rec.calls != 0 {
		t.Fatalf("no request should reach the provider, got %d", rec.calls)
	}
}

func TestRPCNodeRunForwardsPositionalArray(t *testing.T) {
	rec := &recordingServer{reply: `{"jsonrpc":"2.0","id":1,"result":"0x1"}`}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	n := NewRPCNode("alchemy", "Alchemy", defaultCatalog(t), testTable(srv.URL, ""), rpc.NewClient())

	_, err := n.Run(context.Background(), Input{
		Operation:   "eth_getBlockByNumber",
		Params:      json.RawMessage(`["finalized", true]`),
		Credentials: network.Credentials{"apiKey": "k"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(rec.body, `"params":["finalized",true]`) {
		t.Fatalf("array params not forwarded: %s", rec.body)
	}
}

func TestLoadMethods(t *testing.T) {
	n := NewRPCNode("alchemy", "Alchemy", defaultCatalog(t), testTable("http://unused", ""), rpc.NewClient())
	ctx := context.Background()

	ops, err := n.LoadMethods(ctx, MethodGetOperations, Query{Network: "zksync-mainnet"})
	if err != nil {
		t.Fatalf("getOperations: %v", err)
	}
	for _, o := range ops {
		if o.Value == "alchemy_getTokenBalances" {
			t.Fatal("restricted operation offered on zksync")
		}
		if o.Value == "newHeads" {
			t.Fatal("subscription offered by action node")
		}
	}

	tokens, _ := n.LoadMethods(ctx, MethodGetOperations, Query{Network: "eth-mainnet", Category: "tokens"})
	if len(tokens) == 0 {
		t.Fatal("expected token operations on eth-mainnet")
	}

	nets, _ := n.LoadMethods(ctx, MethodGetNetworks, Query{})
	if len(nets) != 2 || nets[0].Value != "eth-mainnet" {
		t.Fatalf("unexpected networks %+v", nets)
	}

	if _, err := n.LoadMethods(ctx, MethodGetEvents, Query{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for getEvents on rpc node, got %v", err)
	}

	trigger := NewOpenSeaTrigger(defaultCatalog(t), testTable("http://unused", ""))
	events, err := trigger.LoadMethods(ctx, MethodGetEvents, Query{})
	if err != nil || len(events) == 0 {
		t.Fatalf("getEvents: %v %+v", err, events)
	}
	if events[0].Value == "" || strings.ContainsAny(events[0].Value, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		t.Fatalf("events must carry stream event types, got %+v", events[0])
	}
}

func TestOpenSeaNodeRun(t *testing.T) {
	rec := &recordingServer{reply: `{"nft":{"identifier":"7"}}`}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	n := NewOpenSeaNode(defaultCatalog(t), testTable(srv.URL, ""), rpc.NewClient())

	resp, err := n.Run(context.Background(), Input{
		Operation:   "listNftsByAccount",
		Params:      json.RawMessage(`{"address":"0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe","collection":"doodles-official"}`),
		Credentials: network.Credentials{"apiKey": "os-key"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(resp) != rec.reply {
		t.Fatalf("response altered: %s", resp)
	}
	if rec.path != "/api/v2/chain/ethereum/account/0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe/nfts" {
		t.Fatalf("unexpected path %s", rec.path)
	}
	if rec.query != "collection=doodles-official&limit=50" {
		t.Fatalf("unexpected query %s", rec.query)
	}
	if rec.header.Get("X-API-KEY") != "os-key" {
		t.Fatal("api key header missing")
	}

	_, err = n.Run(context.Background(), Input{Operation: "getCollection", Params: json.RawMessage(`{"collection_slug":"x"}`)})
	if xerrors.CodeOf(err) != xerrors.CodeMissingCredentials {
		t.Fatalf("expected missing credentials, got %v", err)
	}
}

func TestPollTriggerEmitsOnChange(t *testing.T) {
	var counter atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := counter.Add(1)
		if n < 3 {
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":"0x1"}`)
			return
		}
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":"0x2"}`)
	}))
	defer srv.Close()

	action := NewRPCNode("alchemy", "Alchemy", defaultCatalog(t), testTable(srv.URL, ""), rpc.NewClient())
	poll := NewPollTrigger(action)
	if poll.Describe().Type != "alchemyPoll" || poll.Describe().Kind != KindTrigger {
		t.Fatalf("unexpected description %+v", poll.Describe())
	}

	got := make(chan string, 4)
	h, err := poll.RunTrigger(context.Background(), Input{
		Operation:   "eth_blockNumber",
		Interval:    "10ms",
		Credentials: network.Credentials{"apiKey": "k"},
	}, func(payload json.RawMessage) { got <- string(payload) })
	if err != nil {
		t.Fatalf("run trigger: %v", err)
	}
	defer h.Close()

	want := []string{`"0x1"`, `"0x2"`}
	for _, w := range want {
		select {
		case payload := <-got:
			if !strings.Contains(payload, w) {
				t.Fatalf("expected %s in %s", w, payload)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.Err() != nil {
		t.Fatalf("clean stop reported %v", h.Err())
	}
}

func TestRegistryListsNodes(t *testing.T) {
	r := NewRegistry(defaultCatalog(t), testTable("http://unused", ""))
	defer r.Close()

	want := map[string]Kind{
		"alchemy": KindAction, "infura": KindAction, "quicknode": KindAction, "opensea": KindAction,
		"alchemyTrigger": KindTrigger, "openseaTrigger": KindTrigger, "quicknodePoll": KindTrigger,
	}
	descs := r.Descriptions()
	for i := 1; i < len(descs); i++ {
		if descs[i-1].Type > descs[i].Type {
			t.Fatal("descriptions not sorted")
		}
	}
	for typ, kind := range want {
		d, ok := r.Describe(typ)
		if !ok || d.Kind != kind {
			t.Fatalf("node %s missing or wrong kind: %+v", typ, d)
		}
	}
	if _, ok := r.Node("alchemyTrigger"); ok {
		t.Fatal("trigger registered as action")
	}
}

func TestLoadRegistryAppliesNetworkOverrides(t *testing.T) {
	path := t.TempDir() + "/networks.yaml"
	doc := "providers:\n  alchemy:\n    networks:\n      - {key: linea-mainnet, name: Linea Mainnet, chain_id: 59144}\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write networks: %v", err)
	}
	r, err := LoadRegistry("", path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	defer r.Close()

	opts, err := r.LoadMethods(context.Background(), "alchemy", MethodGetNetworks, Query{})
	if err != nil {
		t.Fatalf("networks: %v", err)
	}
	found := false
	for _, o := range opts {
		if o.Value == "linea-mainnet" {
			found = true
		}
	}
	if !found {
		t.Fatalf("override network missing: %+v", opts)
	}
	if _, err := LoadRegistry("", t.TempDir()+"/missing.yaml"); err == nil {
		t.Fatal("expected error for missing networks file")
	}
}

func TestRegistryProviders(t *testing.T) {
	r := NewRegistry(defaultCatalog(t), testTable("http://unused", ""))
	got := r.Providers()
	keys := make([]string, 0, len(got))
	for _, p := range got {
		keys = append(keys, p.Key)
	}
	if strings.Join(keys, ",") != "alchemy,infura,opensea,quicknode" {
		t.Fatalf("unexpected providers %v", keys)
	}
	for _, p := range got {
		if p.Operations == 0 {
			t.Fatalf("%s has no operations", p.Key)
		}
		switch p.Key {
		case "alchemy":
			if p.Networks != 2 || p.DefaultNetwork != "eth-mainnet" {
				t.Fatalf("unexpected alchemy summary %+v", p)
			}
		case "infura":
			// Absent from the test network table.
			if p.Networks != 0 {
				t.Fatalf("unexpected infura summary %+v", p)
			}
		}
	}
}
