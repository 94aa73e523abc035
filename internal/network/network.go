// Package network holds the provider network-support tables and resolves
// endpoint URLs from per-call credentials.
package network

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "ChainFlow-Nodes/internal/errors"
)

//go:embed networks.yaml
var embeddedDefinitions []byte

// Network describes one chain reachable through a provider.
type Network struct {
	Key     string `yaml:"key" json:"key"`
	Name    string `yaml:"name" json:"name"`
	ChainID uint64 `yaml:"chain_id" json:"chainId,omitempty"`
	Testnet bool   `yaml:"testnet" json:"testnet,omitempty"`
	HTTPURL string `yaml:"http_url" json:"-"`
	WSURL   string `yaml:"ws_url" json:"-"`
}

// ProviderDefinition models one provider entry of networks.yaml.
type ProviderDefinition struct {
	HTTPURL        string    `yaml:"http_url"`
	WSURL          string    `yaml:"ws_url"`
	DefaultNetwork string    `yaml:"default_network"`
	Networks       []Network `yaml:"networks"`
}

// Definitions is the root document of a network file.
type Definitions struct {
	Providers map[string]ProviderDefinition `yaml:"providers"`
}

// LoadDefinitions parses a YAML override file. An empty path yields empty definitions.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Providers: map[string]ProviderDefinition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取网络配置失败: %w", err)
	}
	return parseDefinitions(content)
}

func parseDefinitions(content []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	if defs.Providers == nil {
		defs.Providers = map[string]ProviderDefinition{}
	}
	return defs, nil
}

// Credentials maps endpoint placeholders (apiKey, endpoint, wsEndpoint) to
// values. They are supplied per call and never retained.
type Credentials map[string]string

// Table is the merged, read-only view of every provider's networks.
type Table struct {
	providers map[string]ProviderDefinition
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
	defaultErr   error
)

// Default returns the table compiled into the binary.
func Default() (*Table, error) {
	defaultOnce.Do(func() {
		defs, err := parseDefinitions(embeddedDefinitions)
		if err != nil {
			defaultErr = err
			return
		}
		defaultTable = NewTable(defs)
	})
	return defaultTable, defaultErr
}

// NewTable merges definitions in order. Later files override provider URL
// templates and add or replace networks by key.
func NewTable(defs ...Definitions) *Table {
	merged := make(map[string]ProviderDefinition)
	for _, d := range defs {
		for name, incoming := range d.Providers {
			current := merged[name]
			if incoming.HTTPURL != "" {
				current.HTTPURL = incoming.HTTPURL
			}
			if incoming.WSURL != "" {
				current.WSURL = incoming.WSURL
			}
			if incoming.DefaultNetwork != "" {
				current.DefaultNetwork = incoming.DefaultNetwork
			}
			networks := append([]Network(nil), current.Networks...)
			for _, n := range incoming.Networks {
				replaced := false
				for i := range networks {
					if networks[i].Key == n.Key {
						networks[i] = n
						replaced = true
						break
					}
				}
				if !replaced {
					networks = append(networks, n)
				}
			}
			current.Networks = networks
			merged[name] = current
		}
	}
	return &Table{providers: merged}
}

// Extend returns a new table with defs merged over the receiver.
func (t *Table) Extend(defs Definitions) *Table {
	return NewTable(Definitions{Providers: t.providers}, defs)
}

// Providers lists the provider keys known to the table.
func (t *Table) Providers() []string {
	out := make([]string, 0, len(t.providers))
	for name := range t.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Networks returns the provider's networks in declaration order.
func (t *Table) Networks(provider string) []Network {
	return append([]Network(nil), t.providers[provider].Networks...)
}

// DefaultNetwork returns the network used when a call names none.
func (t *Table) DefaultNetwork(provider string) string {
	def := t.providers[provider]
	if def.DefaultNetwork != "" {
		return def.DefaultNetwork
	}
	if len(def.Networks) > 0 {
		return def.Networks[0].Key
	}
	return ""
}

// Network looks up a single network of a provider.
func (t *Table) Network(provider, key string) (Network, error) {
	def, ok := t.providers[provider]
	if !ok {
		return Network{}, xerrors.New(xerrors.CodeUnsupportedNetwork,
			fmt.Sprintf("unknown provider %q", provider),
			xerrors.WithMetadata("provider", provider))
	}
	for _, n := range def.Networks {
		if n.Key == key {
			return n, nil
		}
	}
	return Network{}, xerrors.New(xerrors.CodeUnsupportedNetwork,
		fmt.Sprintf("network %q is not supported by %s", key, provider),
		xerrors.WithMetadata("provider", provider),
		xerrors.WithMetadata("network", key))
}

// Endpoint is a resolved provider endpoint. URL templates are filled lazily
// so an HTTP call does not require WebSocket credentials and vice versa.
type Endpoint struct {
	Provider string
	Network  Network

	httpTemplate string
	wsTemplate   string
	credentials  Credentials
}

// Resolve picks the network (default when empty) and binds credentials.
func (t *Table) Resolve(provider, network string, creds Credentials) (Endpoint, error) {
	if network == "" {
		network = t.DefaultNetwork(provider)
	}
	n, err := t.Network(provider, network)
	if err != nil {
		return Endpoint{}, err
	}
	def := t.providers[provider]
	ep := Endpoint{
		Provider:     provider,
		Network:      n,
		httpTemplate: def.HTTPURL,
		wsTemplate:   def.WSURL,
		credentials:  creds,
	}
	if n.HTTPURL != "" {
		ep.httpTemplate = n.HTTPURL
	}
	if n.WSURL != "" {
		ep.wsTemplate = n.WSURL
	}
	return ep, nil
}

// HTTP returns the filled HTTP URL.
func (e Endpoint) HTTP() (string, error) {
	return e.fill(e.httpTemplate, "http")
}

// WebSocket returns the filled WebSocket URL.
func (e Endpoint) WebSocket() (string, error) {
	return e.fill(e.wsTemplate, "websocket")
}

// Credential returns a bound credential value.
func (e Endpoint) Credential(key string) string {
	return strings.TrimSpace(e.credentials[key])
}

var placeholder = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

func (e Endpoint) fill(template, transport string) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", xerrors.New(xerrors.CodeUnsupportedNetwork,
			fmt.Sprintf("%s has no %s endpoint for %s", e.Provider, transport, e.Network.Key),
			xerrors.WithMetadata("provider", e.Provider),
			xerrors.WithMetadata("network", e.Network.Key))
	}
	var missing []string
	out := placeholder.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		if v := e.lookup(key); v != "" {
			return v
		}
		missing = append(missing, key)
		return match
	})
	if len(missing) > 0 {
		return "", xerrors.New(xerrors.CodeMissingCredentials,
			fmt.Sprintf("%s credentials missing: %s", e.Provider, strings.Join(missing, ", ")),
			xerrors.WithMetadata("provider", e.Provider),
			xerrors.WithMetadata("network", e.Network.Key))
	}
	return out, nil
}

func (e Endpoint) lookup(key string) string {
	if key == "network" {
		return e.Network.Key
	}
	if v := e.Credential(key); v != "" {
		return v
	}
	// QuickNode serves WebSocket on the same host as HTTP.
	if key == "wsEndpoint" {
		endpoint := e.Credential("endpoint")
		switch {
		case strings.HasPrefix(endpoint, "https://"):
			return "wss://" + strings.TrimPrefix(endpoint, "https://")
		case strings.HasPrefix(endpoint, "http://"):
			return "ws://" + strings.TrimPrefix(endpoint, "http://")
		}
	}
	return ""
}
