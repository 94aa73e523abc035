package node

import (
	"context"
	"encoding/json"
	"time"

	"ChainFlow-Nodes/internal/catalog"
	"ChainFlow-Nodes/internal/network"
	"ChainFlow-Nodes/internal/rpc"
)

// RPCNode serves the JSON-RPC operations of Alchemy, Infura and QuickNode.
type RPCNode struct {
	base
	client *rpc.Client
}

// NewRPCNode builds the action node of a JSON-RPC provider.
func NewRPCNode(provider, display string, cat *catalog.Catalog, table *network.Table, client *rpc.Client) *RPCNode {
	return &RPCNode{
		base: newBase(provider, provider, display,
			display+" JSON-RPC methods over HTTP", KindAction, cat, table, catalog.KindJSONRPC),
		client: client,
	}
}

// Run clones the operation's request template, appends the params and
// returns the provider response untouched.
func (n *RPCNode) Run(ctx context.Context, in Input) (json.RawMessage, error) {
	started := time.Now()
	resp, resolved, err := n.call(ctx, in)
	if resolved != "" {
		in.Network = resolved
	}
	return resp, n.finish("node run", in, started, err)
}

func (n *RPCNode) call(ctx context.Context, in Input) (json.RawMessage, string, error) {
	op, ep, err := n.operation(in)
	if err != nil {
		return nil, "", err
	}
	body, err := requestBody(op, in.Params)
	if err != nil {
		return nil, ep.Network.Key, err
	}
	url, err := ep.HTTP()
	if err != nil {
		return nil, ep.Network.Key, err
	}
	target := rpc.Target{Provider: n.provider, Operation: op.Name, Network: ep.Network.Key}
	resp, err := n.client.Call(ctx, target, url, body)
	return resp, ep.Network.Key, err
}

// requestBody validates params and renders the JSON-RPC body of op.
func requestBody(op *catalog.Operation, raw json.RawMessage) (json.RawMessage, error) {
	p, err := params(op, raw)
	if err != nil {
		return nil, err
	}
	positional, err := catalog.Positional(op, p)
	if err != nil {
		return nil, err
	}
	return rpc.BuildRequest(op.Template, positional)
}
