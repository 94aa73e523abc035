package catalog

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	xerrors "ChainFlow-Nodes/internal/errors"
)

func balanceOp(t *testing.T) *Operation {
	t.Helper()
	c, err := Default()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	op, err := c.Lookup("alchemy", "eth_getBalance")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	return op
}

func TestValidateReportsEveryViolation(t *testing.T) {
	op := balanceOp(t)
	params, err := DecodeParams(json.RawMessage(`{"address":"0x123","block":"soon","extra":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	err = Validate(op, params.Named)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
	msg := err.Error()
	for _, field := range []string{"address", "block", "extra"} {
		if !strings.Contains(msg, field) {
			t.Fatalf("violation for %s missing from %q", field, msg)
		}
	}
}

func TestValidateAcceptsIntegerBlock(t *testing.T) {
	op := balanceOp(t)
	params, err := DecodeParams(json.RawMessage(`{"address":"0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe","block":1024}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := Validate(op, params.Named); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestPositionalOrdersAndEncodes(t *testing.T) {
	op := balanceOp(t)
	params, _ := DecodeParams(json.RawMessage(`{"block":1024,"address":"0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe"}`))
	got, err := Positional(op, params)
	if err != nil {
		t.Fatalf("positional: %v", err)
	}
	want := []any{"0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe", "0x400"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}

	params, _ = DecodeParams(json.RawMessage(`{"address":"0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe"}`))
	got, _ = Positional(op, params)
	if got[1] != "latest" {
		t.Fatalf("default not applied: %v", got)
	}
}

func TestPositionalGapsAndTrailingOptionals(t *testing.T) {
	op := &Operation{Name: "x", Params: []Param{
		{Name: "a", Type: TypeString},
		{Name: "b", Type: TypeString},
		{Name: "c", Type: TypeQuantity},
	}}
	got, err := Positional(op, Params{Named: map[string]any{"b": "v"}})
	if err != nil {
		t.Fatalf("positional: %v", err)
	}
	if !reflect.DeepEqual(got, []any{nil, "v"}) {
		t.Fatalf("got %v", got)
	}

	big, _ := DecodeParams(json.RawMessage(`{"c":340282366920938463463374607431768211456}`))
	got, err = Positional(op, big)
	if err != nil {
		t.Fatalf("positional: %v", err)
	}
	if got[2] != "0x100000000000000000000000000000000" {
		t.Fatalf("big quantity encoded as %v", got[2])
	}
}

func TestPositionalPassesListThrough(t *testing.T) {
	op := balanceOp(t)
	params, err := DecodeParams(json.RawMessage(`["0xabc", "pending", {"k": 1}]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := Positional(op, params)
	if err != nil {
		t.Fatalf("positional: %v", err)
	}
	if len(got) != 3 || got[1] != "pending" {
		t.Fatalf("list altered: %v", got)
	}
}

func TestPositionalPackedObject(t *testing.T) {
	c, _ := Default()
	op, err := c.Lookup("alchemy", "alchemy_getAssetTransfers")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	params, _ := DecodeParams(json.RawMessage(`{"category":["erc20"],"fromBlock":16}`))
	got, err := Positional(op, params)
	if err != nil {
		t.Fatalf("positional: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected single object, got %v", got)
	}
	obj := got[0].(map[string]any)
	if obj["fromBlock"] != "0x10" || obj["toBlock"] != "latest" || obj["maxCount"] != "0x3e8" {
		t.Fatalf("unexpected packed object: %v", obj)
	}
	if _, ok := obj["pageKey"]; ok {
		t.Fatal("absent optional must be omitted")
	}
}

func TestDecodeParamsRejectsScalars(t *testing.T) {
	if _, err := DecodeParams(json.RawMessage(`"x"`)); xerrors.CodeOf(err) != xerrors.CodeInvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
	p, err := DecodeParams(nil)
	if err != nil || p.IsList() || p.Named == nil {
		t.Fatalf("empty params: %+v %v", p, err)
	}
}

func TestPositionalPackedKeepsEmptyFilter(t *testing.T) {
	c, _ := Default()
	for _, tc := range []struct{ provider, name string }{
		{"alchemy", "eth_getLogs"},
		{"infura", "eth_newFilter"},
		{"alchemy", "logs"},
	} {
		op, err := c.Lookup(tc.provider, tc.name)
		if err != nil {
			t.Fatalf("lookup %s: %v", tc.name, err)
		}
		params, _ := DecodeParams(json.RawMessage(`{}`))
		got, err := Positional(op, params)
		if err != nil {
			t.Fatalf("%s: positional: %v", tc.name, err)
		}
		if len(got) != 1 {
			t.Fatalf("%s: expected one filter object, got %v", tc.name, got)
		}
		if obj, ok := got[0].(map[string]any); !ok || len(obj) != 0 {
			t.Fatalf("%s: expected empty object, got %v", tc.name, got[0])
		}
	}
}
