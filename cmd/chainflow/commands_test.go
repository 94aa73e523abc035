package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/trigger"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"chainflow"}, args...))
	return out.String(), err
}

func providerFixture(t *testing.T, reply string) (string, func() string) {
	t.Helper()
	var (
		mu      sync.Mutex
		gotPath string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
		var body struct {
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Method != "eth_blockNumber" {
			t.Errorf("unexpected request body: %+v %v", body, err)
		}
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "networks.yaml")
	doc := "providers:\n  alchemy:\n    http_url: " + srv.URL + "/{network}/{apiKey}\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write networks: %v", err)
	}
	return path, func() string {
		mu.Lock()
		defer mu.Unlock()
		return gotPath
	}
}

func TestRunPrintsProviderResponse(t *testing.T) {
	const reply = `{"jsonrpc":"2.0","id":1,"result":"0x10"}`
	networks, gotPath := providerFixture(t, reply)

	out, err := runApp(t, "--networks-file", networks, "run", "--node", "alchemy", "--op", "eth_blockNumber", "--cred", "apiKey=k1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(out) != reply {
		t.Fatalf("expected verbatim response, got %q", out)
	}
	if got := gotPath(); got != "/eth-mainnet/k1" {
		t.Fatalf("unexpected provider path %q", got)
	}
}

func TestRunQuerySelectsResult(t *testing.T) {
	networks, _ := providerFixture(t, `{"jsonrpc":"2.0","id":1,"result":"0x10"}`)

	out, err := runApp(t, "--networks-file", networks, "run", "-n", "alchemy", "-o", "eth_blockNumber",
		"--cred", "apiKey=k1", "--query", "$.result")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "0x10\n" {
		t.Fatalf("unexpected query output %q", out)
	}
}

func TestRunWithoutCredentials(t *testing.T) {
	networks, _ := providerFixture(t, `{}`)

	_, err := runApp(t, "--networks-file", networks, "run", "--node", "alchemy", "--op", "eth_blockNumber")
	if xerrors.CodeOf(err) != xerrors.CodeMissingCredentials {
		t.Fatalf("expected missing credentials, got %v", err)
	}
	_, err = runApp(t, "run", "--node", "alchemy", "--op", "eth_blockNumber", "--cred", "novalue")
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid credential override, got %v", err)
	}
}

func TestOperationsListing(t *testing.T) {
	out, err := runApp(t, "operations", "--node", "alchemy", "--network", "eth-mainnet")
	if err != nil {
		t.Fatalf("operations: %v", err)
	}
	if !strings.Contains(out, "eth_blockNumber") {
		t.Fatalf("eth_blockNumber missing from listing:\n%s", out)
	}
	if _, err := runApp(t, "operations", "--node", "nope"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNodesKindFilter(t *testing.T) {
	out, err := runApp(t, "nodes", "--kind", "trigger")
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 || !strings.Contains(out, "alchemyTrigger") {
		t.Fatalf("unexpected listing:\n%s", out)
	}
	for _, line := range lines[1:] {
		if fields := strings.Fields(line); len(fields) < 2 || fields[1] != "trigger" {
			t.Fatalf("non-trigger row %q", line)
		}
	}
}

func TestReadParams(t *testing.T) {
	if p, err := readParams(""); err != nil || p != nil {
		t.Fatalf("empty params: %s %v", p, err)
	}
	if _, err := readParams("{bad"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	path := filepath.Join(t.TempDir(), "params.json")
	if err := os.WriteFile(path, []byte(`["0x1", false]`), 0o600); err != nil {
		t.Fatalf("write params: %v", err)
	}
	p, err := readParams("@" + path)
	if err != nil || string(p) != `["0x1", false]` {
		t.Fatalf("file params: %s %v", p, err)
	}
}

func TestPrintSinkStopsAtLimit(t *testing.T) {
	var out bytes.Buffer
	sink := newPrintSink(&out, 2)
	for i := 0; i < 3; i++ {
		if err := sink.Deliver(context.Background(), trigger.Event{Payload: json.RawMessage(`{"n":1}`)}); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after limit")
	}
	if strings.Count(out.String(), "\n") != 2 {
		t.Fatalf("expected two lines, got %q", out.String())
	}
}

func TestDescribeNode(t *testing.T) {
	out, err := runApp(t, "describe", "--node", "openseaTrigger")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	var d struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Type != "openseaTrigger" || d.Kind != "trigger" {
		t.Fatalf("unexpected description: %+v", d)
	}
}

func TestProvidersListing(t *testing.T) {
	out, err := runApp(t, "providers")
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	rows := map[string][]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n")[1:] {
		fields := strings.Fields(line)
		rows[fields[0]] = fields
	}
	for _, key := range []string{"alchemy", "infura", "quicknode", "opensea"} {
		if _, ok := rows[key]; !ok {
			t.Fatalf("%s missing from listing:\n%s", key, out)
		}
	}
	if got := rows["opensea"]; len(got) != 4 || got[3] != "ethereum" {
		t.Fatalf("unexpected opensea row %v", got)
	}
}
