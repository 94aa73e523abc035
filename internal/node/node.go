// Package node implements the provider nodes: thin Run / RunTrigger methods
// over the operation catalog plus the dynamic option loaders used by
// workflow editors.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"ChainFlow-Nodes/internal/catalog"
	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/network"
	"ChainFlow-Nodes/pkg/logger"
)

// Kind separates action nodes from trigger nodes.
type Kind string

const (
	KindAction  Kind = "action"
	KindTrigger Kind = "trigger"
)

// Load method names understood by LoadMethods.
const (
	MethodGetOperations = "getOperations"
	MethodGetNetworks   = "getNetworks"
	MethodGetCategories = "getCategories"
	MethodGetEvents     = "getEvents"
)

// Input is one node invocation.
type Input struct {
	Operation   string              `json:"operation"`
	Network     string              `json:"network,omitempty"`
	Params      json.RawMessage     `json:"params,omitempty"`
	Interval    string              `json:"interval,omitempty"`
	Credentials network.Credentials `json:"credentials,omitempty"`
}

// Description is the static metadata of a node type.
type Description struct {
	Type           string            `json:"type"`
	Provider       string            `json:"provider"`
	DisplayName    string            `json:"displayName"`
	Kind           Kind              `json:"kind"`
	Description    string            `json:"description,omitempty"`
	Categories     []string          `json:"categories"`
	Networks       []network.Network `json:"networks"`
	DefaultNetwork string            `json:"defaultNetwork,omitempty"`
	LoadMethods    []string          `json:"loadMethods"`
}

// Query carries the current editor selections to a load method.
type Query struct {
	Network  string `json:"network,omitempty"`
	Category string `json:"category,omitempty"`
}

// Node is an action node.
type Node interface {
	Describe() Description
	Run(ctx context.Context, in Input) (json.RawMessage, error)
	LoadMethods(ctx context.Context, method string, q Query) ([]catalog.Option, error)
}

// Emit receives every payload produced by a running trigger.
type Emit func(payload json.RawMessage)

// Handle controls a running trigger.
type Handle interface {
	// Done is closed when the trigger stops for any reason.
	Done() <-chan struct{}
	// Err returns the terminal error after Done is closed, nil on a clean stop.
	Err() error
	Close() error
}

// TriggerNode is a node that pushes events instead of answering calls.
type TriggerNode interface {
	Describe() Description
	RunTrigger(ctx context.Context, in Input, emit Emit) (Handle, error)
	LoadMethods(ctx context.Context, method string, q Query) ([]catalog.Option, error)
}

// base carries what every node shares: identity, tables and option loaders.
type base struct {
	typ         string
	provider    string
	displayName string
	description string
	kind        Kind
	kinds       []catalog.Kind
	catalog     *catalog.Catalog
	networks    *network.Table
	log         *slog.Logger
}

func newBase(typ, provider, display, description string, kind Kind, cat *catalog.Catalog, table *network.Table, kinds ...catalog.Kind) base {
	return base{
		typ:         typ,
		provider:    provider,
		displayName: display,
		description: description,
		kind:        kind,
		kinds:       kinds,
		catalog:     cat,
		networks:    table,
		log:         logger.Named("node." + typ),
	}
}

func (b *base) Describe() Description {
	methods := []string{MethodGetOperations, MethodGetNetworks, MethodGetCategories}
	if b.hasKind(catalog.KindStream) {
		methods = append(methods, MethodGetEvents)
	}
	return Description{
		Type:           b.typ,
		Provider:       b.provider,
		DisplayName:    b.displayName,
		Kind:           b.kind,
		Description:    b.description,
		Categories:     b.categories(),
		Networks:       b.networks.Networks(b.provider),
		DefaultNetwork: b.networks.DefaultNetwork(b.provider),
		LoadMethods:    methods,
	}
}

func (b *base) hasKind(k catalog.Kind) bool {
	for _, kind := range b.kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func (b *base) categories() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, op := range b.catalog.Operations(catalog.Filter{Provider: b.provider, Kinds: b.kinds}) {
		if _, ok := seen[op.Category]; ok {
			continue
		}
		seen[op.Category] = struct{}{}
		out = append(out, op.Category)
	}
	return out
}

// LoadMethods answers the editor's dynamic option requests.
func (b *base) LoadMethods(_ context.Context, method string, q Query) ([]catalog.Option, error) {
	switch method {
	case MethodGetOperations:
		ops := b.catalog.Operations(catalog.Filter{Provider: b.provider, Network: q.Network, Category: q.Category, Kinds: b.kinds})
		return catalog.Options(ops), nil
	case MethodGetNetworks:
		nets := b.networks.Networks(b.provider)
		out := make([]catalog.Option, 0, len(nets))
		for _, n := range nets {
			desc := ""
			if n.ChainID != 0 {
				desc = fmt.Sprintf("chain id %d", n.ChainID)
			}
			out = append(out, catalog.Option{Name: n.Name, Value: n.Key, Description: desc})
		}
		return out, nil
	case MethodGetCategories:
		cats := b.categories()
		out := make([]catalog.Option, 0, len(cats))
		for _, c := range cats {
			out = append(out, catalog.Option{Name: c, Value: c})
		}
		return out, nil
	case MethodGetEvents:
		if !b.hasKind(catalog.KindStream) {
			break
		}
		ops := b.catalog.Operations(catalog.Filter{Provider: b.provider, Network: q.Network, Kinds: []catalog.Kind{catalog.KindStream}})
		out := make([]catalog.Option, 0, len(ops))
		for _, op := range ops {
			out = append(out, catalog.Option{Name: op.DisplayName(), Value: op.Event, Description: op.Description})
		}
		return out, nil
	}
	return nil, xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("node %s has no load method %q", b.typ, method),
		xerrors.WithMetadata("node", b.typ))
}

// operation resolves the catalog entry and endpoint of a call and checks
// that the operation is offered on the chosen network.
func (b *base) operation(in Input) (*catalog.Operation, network.Endpoint, error) {
	op, err := b.catalog.Lookup(b.provider, in.Operation)
	if err != nil {
		return nil, network.Endpoint{}, err
	}
	if !b.hasKind(op.Kind) {
		return nil, network.Endpoint{}, xerrors.New(xerrors.CodeUnsupportedOperation,
			fmt.Sprintf("operation %s (%s) cannot be used by node %s", op.Name, op.Kind, b.typ))
	}
	ep, err := b.networks.Resolve(b.provider, in.Network, in.Credentials)
	if err != nil {
		return nil, network.Endpoint{}, err
	}
	if !op.SupportsNetwork(b.provider, ep.Network.Key) {
		return nil, network.Endpoint{}, xerrors.New(xerrors.CodeUnsupportedNetwork,
			fmt.Sprintf("operation %s is not available on %s", op.Name, ep.Network.Key))
	}
	return op, ep, nil
}

// params decodes and validates the user params. Raw arrays skip schema
// validation and are forwarded as given.
func params(op *catalog.Operation, raw json.RawMessage) (catalog.Params, error) {
	p, err := catalog.DecodeParams(raw)
	if err != nil {
		return catalog.Params{}, err
	}
	if p.IsList() {
		return p, nil
	}
	if err := catalog.Validate(op, p.Named); err != nil {
		return catalog.Params{}, err
	}
	return p, nil
}

// finish normalizes the outcome of a call exactly once and audits it.
func (b *base) finish(action string, in Input, started time.Time, err error) error {
	attrs := []any{
		slog.String("node", b.typ),
		slog.String("provider", b.provider),
		slog.String("operation", in.Operation),
		slog.String("network", in.Network),
		slog.Duration("elapsed", time.Since(started)),
	}
	if err == nil {
		logger.Audit().Info(action, attrs...)
		return nil
	}
	normalized := xerrors.Annotate(err, xerrors.CodeUnknown,
		xerrors.WithMetadata("node", b.typ),
		xerrors.WithMetadata("provider", b.provider),
		xerrors.WithMetadata("operation", in.Operation),
		xerrors.WithMetadata("network", in.Network),
	)
	attrs = append(attrs, slog.String("code", string(normalized.Code())), slog.String("error", normalized.Message()))
	logger.Audit().Warn(action+" failed", attrs...)
	return normalized
}
