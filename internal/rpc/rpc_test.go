package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"ChainFlow-Nodes/internal/catalog"
	xerrors "ChainFlow-Nodes/internal/errors"
)

func TestBuildRequestAppendsWithoutMutatingTemplate(t *testing.T) {
	template := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"eth_subscribe","params":["logs"]}`)
	original := string(template)

	first, err := BuildRequest(template, []any{map[string]any{"address": "0xabc"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := BuildRequest(template, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if string(template) != original {
		t.Fatalf("template mutated: %s", template)
	}

	req, err := DecodeRequest(first)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Method != "eth_subscribe" || len(req.Params) != 2 || string(req.Params[0]) != `"logs"` {
		t.Fatalf("unexpected request: %+v", req)
	}
	req, _ = DecodeRequest(second)
	if len(req.Params) != 1 {
		t.Fatalf("params leaked between builds: %s", second)
	}
	if len(req.Args()) != 1 {
		t.Fatalf("unexpected args: %v", req.Args())
	}
}

func TestCallForwardsBodyVerbatim(t *testing.T) {
	const reply = `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid argument 0"}}`
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %s", r.Header.Get("Content-Type"))
		}
		_, _ = io.WriteString(w, reply)
	}))
	defer srv.Close()

	client := NewClient()
	body := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"eth_getBalance","params":["0x1"]}`)
	resp, err := client.Call(context.Background(), Target{Provider: "alchemy", Operation: "eth_getBalance"}, srv.URL, body)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp) != reply {
		t.Fatalf("response altered: %s", resp)
	}
	if got != string(body) {
		t.Fatalf("request body altered: %s", got)
	}
}

func TestCallMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		code   xerrors.Code
	}{
		{http.StatusTooManyRequests, xerrors.CodeProviderUnavailable},
		{http.StatusBadGateway, xerrors.CodeProviderUnavailable},
		{http.StatusUnauthorized, xerrors.CodeProviderRejected},
		{http.StatusBadRequest, xerrors.CodeProviderRejected},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"message":"nope"}`)
		}))
		_, err := NewClient().Call(context.Background(), Target{Provider: "infura"}, srv.URL, json.RawMessage(`{}`))
		srv.Close()
		if xerrors.CodeOf(err) != tc.code {
			t.Fatalf("status %d: expected %s, got %v", tc.status, tc.code, err)
		}
		if !strings.Contains(err.Error(), "nope") {
			t.Fatalf("status %d: body excerpt missing from %v", tc.status, err)
		}
	}
}

func TestCallTransportFailureHidesURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/v3/secret-key"
	srv.Close()

	_, err := NewClient().Call(context.Background(), Target{Provider: "infura"}, endpoint, json.RawMessage(`{}`))
	if xerrors.CodeOf(err) != xerrors.CodeProviderUnavailable {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("transport failures must be retryable")
	}
	if strings.Contains(err.Error(), "secret-key") {
		t.Fatalf("api key leaked into error: %v", err)
	}
}

func TestDoExpandsPathAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/chain/ethereum/contract/0xabc/nfts/1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("X-API-KEY") != "k" {
			t.Errorf("missing api key header")
		}
		_, _ = io.WriteString(w, `{"nft":{"identifier":"1"}}`)
	}))
	defer srv.Close()

	resp, err := NewClient().Do(context.Background(), RESTRequest{
		Target:     Target{Provider: "opensea", Operation: "getNft"},
		BaseURL:    srv.URL + "/api/v2/",
		Path:       "/chain/{chain}/contract/{address}/nfts/{identifier}",
		PathParams: map[string]string{"chain": "ethereum", "address": "0xabc", "identifier": "1"},
		Query:      url.Values{"limit": []string{"5"}},
		Headers:    map[string]string{"X-API-KEY": "k"},
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if string(resp) != `{"nft":{"identifier":"1"}}` {
		t.Fatalf("unexpected response %s", resp)
	}
}

func TestExpandPathRequiresValues(t *testing.T) {
	_, err := ExpandPath("/collections/{collection_slug}", nil)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
	got, err := ExpandPath("/accounts/{who}", map[string]string{"who": "a b"})
	if err != nil || got != "/accounts/a%20b" {
		t.Fatalf("unexpected expansion %s %v", got, err)
	}
}

func TestLogsSubscriptionWithoutFilter(t *testing.T) {
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	op, err := c.Lookup("alchemy", "logs")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	params, _ := catalog.DecodeParams(nil)
	positional, err := catalog.Positional(op, params)
	if err != nil {
		t.Fatalf("positional: %v", err)
	}
	body, err := BuildRequest(op.Template, positional)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	req, err := DecodeRequest(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(req.Params) != 2 || string(req.Params[0]) != `"logs"` || string(req.Params[1]) != `{}` {
		t.Fatalf("unexpected subscription body: %s", body)
	}
}

func TestCallRejectsOversizedResponse(t *testing.T) {
	const limit = 1 << 10
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		size := limit
		if r.URL.Query().Get("big") != "" {
			size = limit + 1
		}
		// A JSON string of exactly size bytes.
		_, _ = io.WriteString(w, `"`+strings.Repeat("a", size-2)+`"`)
	}))
	defer srv.Close()

	client := NewClient(WithMaxResponseBytes(limit))
	resp, err := client.Call(context.Background(), Target{Provider: "alchemy"}, srv.URL, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("body at the cap: %v", err)
	}
	if len(resp) != limit {
		t.Fatalf("body at the cap altered: %d bytes", len(resp))
	}

	_, err = client.Call(context.Background(), Target{Provider: "alchemy"}, srv.URL+"?big=1", json.RawMessage(`{}`))
	if xerrors.CodeOf(err) != xerrors.CodeProviderRejected {
		t.Fatalf("expected provider rejected, got %v", err)
	}
	e, _ := xerrors.From(err)
	if e.Metadata()["reason"] != "response_too_large" {
		t.Fatalf("oversized body reported as %v", err)
	}
	if strings.Contains(err.Error(), "non-JSON") {
		t.Fatalf("oversized body misreported: %v", err)
	}
}

func TestDefaultResponseCap(t *testing.T) {
	if got := NewClient().maxResponseBytes; got != DefaultMaxResponseBytes {
		t.Fatalf("unexpected default cap %d", got)
	}
	if got := NewClient(WithMaxResponseBytes(0)).maxResponseBytes; got != DefaultMaxResponseBytes {
		t.Fatalf("zero cap must keep the default, got %d", got)
	}
}
