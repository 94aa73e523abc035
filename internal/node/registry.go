package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"ChainFlow-Nodes/internal/catalog"
	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/network"
	"ChainFlow-Nodes/internal/rpc"
	"ChainFlow-Nodes/internal/subscription"
)

// jsonRPCProviders lists the providers served by the generic JSON-RPC nodes.
var jsonRPCProviders = []struct {
	key     string
	display string
}{
	{"alchemy", "Alchemy"},
	{"infura", "Infura"},
	{"quicknode", "QuickNode"},
}

// Registry holds every node type keyed by its type name.
type Registry struct {
	client   *rpc.Client
	catalog  *catalog.Catalog
	networks *network.Table
	actions  map[string]Node
	triggers map[string]TriggerNode
}

// ProviderSummary is one provider known to the catalog or the network table.
type ProviderSummary struct {
	Key            string `json:"key"`
	Operations     int    `json:"operations"`
	Networks       int    `json:"networks"`
	DefaultNetwork string `json:"defaultNetwork,omitempty"`
}

// RegistryOption customises the registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	client        *rpc.Client
	streamOptions []subscription.StreamOption
}

// WithRPCClient sets the HTTP client shared by action nodes.
func WithRPCClient(c *rpc.Client) RegistryOption {
	return func(o *registryOptions) {
		if c != nil {
			o.client = c
		}
	}
}

// WithStreamOptions passes options to every OpenSea stream.
func WithStreamOptions(opts ...subscription.StreamOption) RegistryOption {
	return func(o *registryOptions) {
		o.streamOptions = append(o.streamOptions, opts...)
	}
}

// NewRegistry instantiates the built-in nodes over the given tables.
func NewRegistry(cat *catalog.Catalog, table *network.Table, opts ...RegistryOption) *Registry {
	o := registryOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.client == nil {
		o.client = rpc.NewClient()
	}

	r := &Registry{
		client:   o.client,
		catalog:  cat,
		networks: table,
		actions:  make(map[string]Node),
		triggers: make(map[string]TriggerNode),
	}
	for _, p := range jsonRPCProviders {
		action := NewRPCNode(p.key, p.display, cat, table, o.client)
		r.addAction(action)
		r.addTrigger(NewEthTrigger(p.key, p.display, cat, table))
		r.addTrigger(NewPollTrigger(action))
	}
	r.addAction(NewOpenSeaNode(cat, table, o.client))
	r.addTrigger(NewOpenSeaTrigger(cat, table, o.streamOptions...))
	return r
}

// LoadRegistry builds a registry over the embedded tables, extended by an
// optional catalog directory and network definitions file.
func LoadRegistry(catalogDir, networksFile string, opts ...RegistryOption) (*Registry, error) {
	cat, err := catalog.Default()
	if err != nil {
		return nil, err
	}
	if catalogDir != "" {
		extra, err := catalog.LoadDir(catalogDir)
		if err != nil {
			return nil, err
		}
		if cat, err = cat.With(extra); err != nil {
			return nil, err
		}
	}
	table, err := network.Default()
	if err != nil {
		return nil, err
	}
	if networksFile != "" {
		defs, err := network.LoadDefinitions(networksFile)
		if err != nil {
			return nil, err
		}
		table = table.Extend(defs)
	}
	return NewRegistry(cat, table, opts...), nil
}

func (r *Registry) addAction(n Node) { r.actions[n.Describe().Type] = n }

func (r *Registry) addTrigger(n TriggerNode) { r.triggers[n.Describe().Type] = n }

// Node returns the action node registered under typ.
func (r *Registry) Node(typ string) (Node, bool) {
	if r == nil {
		return nil, false
	}
	n, ok := r.actions[typ]
	return n, ok
}

// Trigger returns the trigger node registered under typ.
func (r *Registry) Trigger(typ string) (TriggerNode, bool) {
	if r == nil {
		return nil, false
	}
	n, ok := r.triggers[typ]
	return n, ok
}

// HasNode reports whether an action node is registered under typ.
func (r *Registry) HasNode(typ string) bool {
	_, ok := r.Node(typ)
	return ok
}

// Run invokes the action node registered under typ.
func (r *Registry) Run(ctx context.Context, typ string, in Input) (json.RawMessage, error) {
	n, ok := r.Node(typ)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown node type %q", typ))
	}
	return n.Run(ctx, in)
}

// LoadMethods runs a dynamic option loader on any registered node type.
func (r *Registry) LoadMethods(ctx context.Context, typ, method string, q Query) ([]catalog.Option, error) {
	if n, ok := r.Node(typ); ok {
		return n.LoadMethods(ctx, method, q)
	}
	if n, ok := r.Trigger(typ); ok {
		return n.LoadMethods(ctx, method, q)
	}
	return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown node type %q", typ))
}

// Describe returns the description of any registered node type.
func (r *Registry) Describe(typ string) (Description, bool) {
	if n, ok := r.Node(typ); ok {
		return n.Describe(), true
	}
	if n, ok := r.Trigger(typ); ok {
		return n.Describe(), true
	}
	return Description{}, false
}

// Descriptions lists every node sorted by type.
func (r *Registry) Descriptions() []Description {
	if r == nil {
		return nil
	}
	out := make([]Description, 0, len(r.actions)+len(r.triggers))
	for _, n := range r.actions {
		out = append(out, n.Describe())
	}
	for _, n := range r.triggers {
		out = append(out, n.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Providers summarises every provider present in either table, sorted by key.
func (r *Registry) Providers() []ProviderSummary {
	if r == nil {
		return nil
	}
	keys := append(r.catalog.Providers(), r.networks.Providers()...)
	sort.Strings(keys)
	out := make([]ProviderSummary, 0, len(keys))
	for i, key := range keys {
		if i > 0 && keys[i-1] == key {
			continue
		}
		out = append(out, ProviderSummary{
			Key:            key,
			Operations:     len(r.catalog.Operations(catalog.Filter{Provider: key})),
			Networks:       len(r.networks.Networks(key)),
			DefaultNetwork: r.networks.DefaultNetwork(key),
		})
	}
	return out
}

// Close releases pooled provider connections.
func (r *Registry) Close() {
	if r == nil || r.client == nil {
		return
	}
	r.client.Close()
}
