package catalog

import (
	"encoding/json"
	"slices"
	"strings"
)

// Kind tells the node runtime which transport an operation uses.
type Kind string

const (
	KindJSONRPC      Kind = "jsonrpc"
	KindREST         Kind = "rest"
	KindSubscription Kind = "subscription"
	KindStream       Kind = "stream"
)

// ParamType is the wire shape of a single operation parameter.
type ParamType string

const (
	TypeAddress  ParamType = "address"
	TypeHash     ParamType = "hash"
	TypeQuantity ParamType = "quantity"
	TypeBlockTag ParamType = "blockTag"
	TypeData     ParamType = "data"
	TypeString   ParamType = "string"
	TypeInteger  ParamType = "integer"
	TypeBoolean  ParamType = "boolean"
	TypeObject   ParamType = "object"
	TypeArray    ParamType = "array"
)

// Location is where a REST parameter is placed in the request.
type Location string

const (
	InPath  Location = "path"
	InQuery Location = "query"
	InBody  Location = "body"
)

// Param describes one user-facing parameter of an operation.
type Param struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Required    bool      `yaml:"required" json:"required,omitempty"`
	Default     any       `yaml:"default" json:"default,omitempty"`
	Enum        []any     `yaml:"enum" json:"enum,omitempty"`
	In          Location  `yaml:"in" json:"in,omitempty"`
	Description string    `yaml:"description" json:"description,omitempty"`
}

// Example carries the sample payloads shown next to an operation.
type Example struct {
	Params   any `yaml:"params" json:"params,omitempty"`
	Response any `yaml:"response" json:"response,omitempty"`
}

// Operation is a single catalog record. Packed operations send their named
// params as one JSON object instead of a positional list.
type Operation struct {
	Name        string              `yaml:"name" json:"name"`
	Title       string              `yaml:"title" json:"title,omitempty"`
	Method      string              `yaml:"method" json:"method,omitempty"`
	Kind        Kind                `yaml:"kind" json:"kind"`
	Category    string              `yaml:"category" json:"category"`
	Description string              `yaml:"description" json:"description,omitempty"`
	Providers   []string            `yaml:"providers" json:"providers"`
	Networks    map[string][]string `yaml:"networks" json:"networks,omitempty"`
	Params      []Param             `yaml:"params" json:"params,omitempty"`
	Packed      bool                `yaml:"packed" json:"packed,omitempty"`
	HTTPMethod  string              `yaml:"http_method" json:"http_method,omitempty"`
	Path        string              `yaml:"path" json:"path,omitempty"`
	Event       string              `yaml:"event" json:"event,omitempty"`
	Example     Example             `yaml:"example" json:"example,omitempty"`

	RawTemplate map[string]any  `yaml:"template" json:"-"`
	Template    json.RawMessage `yaml:"-" json:"template,omitempty"`
}

// SupportsProvider reports whether the provider key is listed on the operation.
func (op *Operation) SupportsProvider(provider string) bool {
	return slices.Contains(op.Providers, provider)
}

// SupportsNetwork reports network membership for a provider. An operation
// without a restriction for the provider is available on all of its networks.
func (op *Operation) SupportsNetwork(provider, network string) bool {
	if network == "" {
		return true
	}
	list, ok := op.Networks[provider]
	if !ok || len(list) == 0 {
		return true
	}
	return slices.Contains(list, network)
}

// Param returns the named parameter definition.
func (op *Operation) Param(name string) (Param, bool) {
	for _, p := range op.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// DisplayName prefers the human title and falls back to the key.
func (op *Operation) DisplayName() string {
	if strings.TrimSpace(op.Title) != "" {
		return op.Title
	}
	return op.Name
}

// Option is a single entry returned to dynamic option loaders.
type Option struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Filter narrows Operations results. Zero fields match everything.
type Filter struct {
	Provider string
	Network  string
	Category string
	Kinds    []Kind
}

func (f Filter) matches(op *Operation) bool {
	if f.Provider != "" && !op.SupportsProvider(f.Provider) {
		return false
	}
	if f.Provider != "" && !op.SupportsNetwork(f.Provider, f.Network) {
		return false
	}
	if f.Category != "" && !strings.EqualFold(op.Category, f.Category) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, op.Kind) {
		return false
	}
	return true
}
