package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ChainFlow-Nodes/internal/catalog"
	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/network"
	"ChainFlow-Nodes/internal/rpc"
)

const openSeaProvider = "opensea"

// OpenSeaNode serves the OpenSea v2 REST API.
type OpenSeaNode struct {
	base
	client *rpc.Client
}

// NewOpenSeaNode builds the OpenSea action node.
func NewOpenSeaNode(cat *catalog.Catalog, table *network.Table, client *rpc.Client) *OpenSeaNode {
	return &OpenSeaNode{
		base: newBase(openSeaProvider, openSeaProvider, "OpenSea",
			"OpenSea marketplace REST API", KindAction, cat, table, catalog.KindREST),
		client: client,
	}
}

// Run maps the params onto the REST path, query and body.
func (n *OpenSeaNode) Run(ctx context.Context, in Input) (json.RawMessage, error) {
	started := time.Now()
	resp, resolved, err := n.call(ctx, in)
	if resolved != "" {
		in.Network = resolved
	}
	return resp, n.finish("node run", in, started, err)
}

func (n *OpenSeaNode) call(ctx context.Context, in Input) (json.RawMessage, string, error) {
	op, ep, err := n.operation(in)
	if err != nil {
		return nil, "", err
	}
	chain := ep.Network.Key
	apiKey := ep.Credential("apiKey")
	if apiKey == "" {
		return nil, chain, xerrors.New(xerrors.CodeMissingCredentials, "opensea apiKey is required")
	}
	baseURL, err := ep.HTTP()
	if err != nil {
		return nil, chain, err
	}
	p, err := params(op, in.Params)
	if err != nil {
		return nil, chain, err
	}
	if p.IsList() {
		return nil, chain, xerrors.New(xerrors.CodeInvalidParams, "opensea operations take named params")
	}

	req := rpc.RESTRequest{
		Target:     rpc.Target{Provider: n.provider, Operation: op.Name, Network: chain},
		Method:     op.HTTPMethod,
		BaseURL:    baseURL,
		Path:       op.Path,
		PathParams: map[string]string{"chain": chain},
		Query:      url.Values{},
		Headers:    map[string]string{"X-API-KEY": apiKey},
	}
	named := catalog.WithDefaults(op, p.Named)
	body := map[string]any{}
	for _, param := range op.Params {
		value, ok := named[param.Name]
		if !ok || value == nil {
			continue
		}
		switch param.In {
		case catalog.InPath:
			req.PathParams[param.Name] = stringify(value)
		case catalog.InBody:
			body[param.Name] = value
		default:
			if list, isList := value.([]any); isList {
				for _, item := range list {
					req.Query.Add(param.Name, stringify(item))
				}
				continue
			}
			req.Query.Set(param.Name, stringify(value))
		}
	}
	if len(body) > 0 || op.HTTPMethod == http.MethodPost {
		req.Body = body
	}
	resp, err := n.client.Do(ctx, req)
	return resp, chain, err
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(encoded)
	}
}
