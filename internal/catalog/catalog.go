// Package catalog holds the static operation tables of every provider node:
// JSON-RPC body templates, parameter definitions, network membership and the
// example payloads shown to workflow authors.
package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "ChainFlow-Nodes/internal/errors"
)

//go:embed data/*.yaml
var embedded embed.FS

// document models one catalog YAML file.
type document struct {
	Providers  []string    `yaml:"providers"`
	Category   string      `yaml:"category"`
	Operations []Operation `yaml:"operations"`
}

// Catalog is an immutable, indexed set of operations.
type Catalog struct {
	operations []*Operation
	index      map[string]map[string]*Operation
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = Load(embedded, "data")
	})
	return defaultCatalog, defaultErr
}

// Load parses every *.yaml / *.yml file under dir of fsys.
func Load(fsys fs.FS, dir string) (*Catalog, error) {
	ops, err := readDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	return New(ops)
}

// LoadDir reads extra catalog files from a directory on disk.
func LoadDir(dir string) ([]Operation, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	return readDir(os.DirFS(dir), ".")
}

func readDir(fsys fs.FS, dir string) ([]Operation, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		ext := strings.ToLower(path.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var ops []Operation
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", name, err)
		}
		parsed, err := parseDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", name, err)
		}
		ops = append(ops, parsed...)
	}
	return ops, nil
}

func parseDocument(raw []byte) ([]Operation, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for i := range doc.Operations {
		op := &doc.Operations[i]
		if len(op.Providers) == 0 {
			op.Providers = append([]string(nil), doc.Providers...)
		}
		if op.Category == "" {
			op.Category = doc.Category
		}
	}
	return doc.Operations, nil
}

// New validates and indexes the given operations.
func New(ops []Operation) (*Catalog, error) {
	c := &Catalog{index: make(map[string]map[string]*Operation)}
	for i := range ops {
		op := ops[i]
		if err := prepare(&op); err != nil {
			return nil, err
		}
		stored := &op
		for _, provider := range op.Providers {
			byName := c.index[provider]
			if byName == nil {
				byName = make(map[string]*Operation)
				c.index[provider] = byName
			}
			if _, exists := byName[op.Name]; exists {
				return nil, fmt.Errorf("duplicate operation %s for provider %s", op.Name, provider)
			}
			byName[op.Name] = stored
		}
		c.operations = append(c.operations, stored)
	}
	return c, nil
}

// With returns a new catalog containing the receiver's operations plus extra.
func (c *Catalog) With(extra []Operation) (*Catalog, error) {
	if len(extra) == 0 {
		return c, nil
	}
	all := make([]Operation, 0, len(c.operations)+len(extra))
	for _, op := range c.operations {
		all = append(all, *op)
	}
	return New(append(all, extra...))
}

func prepare(op *Operation) error {
	op.Name = strings.TrimSpace(op.Name)
	if op.Name == "" {
		return fmt.Errorf("operation without name")
	}
	if len(op.Providers) == 0 {
		return fmt.Errorf("operation %s lists no providers", op.Name)
	}
	if op.Kind == "" {
		op.Kind = KindJSONRPC
	}
	if op.Category == "" {
		op.Category = "general"
	}
	seen := make(map[string]struct{}, len(op.Params))
	for _, p := range op.Params {
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("operation %s declares param %s twice", op.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	switch op.Kind {
	case KindJSONRPC, KindSubscription:
		if op.Method == "" {
			return fmt.Errorf("operation %s has no method", op.Name)
		}
		if op.RawTemplate == nil && len(op.Template) > 0 {
			return nil
		}
		template := op.RawTemplate
		if template == nil {
			template = map[string]any{}
		}
		if _, ok := template["jsonrpc"]; !ok {
			template["jsonrpc"] = "2.0"
		}
		if _, ok := template["id"]; !ok {
			template["id"] = 1
		}
		if _, ok := template["method"]; !ok {
			template["method"] = op.Method
		}
		if _, ok := template["params"]; !ok {
			template["params"] = []any{}
		}
		if _, ok := template["params"].([]any); !ok {
			return fmt.Errorf("operation %s template params must be a list", op.Name)
		}
		encoded, err := json.Marshal(template)
		if err != nil {
			return fmt.Errorf("encode template of %s: %w", op.Name, err)
		}
		op.Template = encoded
		op.RawTemplate = nil
	case KindREST:
		if op.Path == "" {
			return fmt.Errorf("operation %s has no path", op.Name)
		}
		if op.HTTPMethod == "" {
			op.HTTPMethod = "GET"
		}
		op.HTTPMethod = strings.ToUpper(op.HTTPMethod)
	case KindStream:
		if op.Event == "" {
			return fmt.Errorf("operation %s has no stream event", op.Name)
		}
	default:
		return fmt.Errorf("operation %s has unknown kind %q", op.Name, op.Kind)
	}
	return nil
}

// Operations filters the catalog by provider key, network membership,
// category and kind. Results are ordered by category, then name.
func (c *Catalog) Operations(filter Filter) []*Operation {
	if c == nil {
		return nil
	}
	result := make([]*Operation, 0, len(c.operations))
	for _, op := range c.operations {
		if filter.matches(op) {
			result = append(result, op)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Category == result[j].Category {
			return result[i].Name < result[j].Name
		}
		return result[i].Category < result[j].Category
	})
	return result
}

// Lookup returns the operation registered for the provider under name.
func (c *Catalog) Lookup(provider, name string) (*Operation, error) {
	if c != nil {
		if op, ok := c.index[provider][strings.TrimSpace(name)]; ok {
			return op, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeUnsupportedOperation,
		fmt.Sprintf("operation %q is not available for %s", name, provider),
		xerrors.WithMetadata("provider", provider),
		xerrors.WithMetadata("operation", name),
	)
}

// Categories lists the distinct categories offered by a provider.
func (c *Catalog) Categories(provider string) []string {
	seen := make(map[string]struct{})
	for _, op := range c.Operations(Filter{Provider: provider}) {
		seen[op.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for category := range seen {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

// Providers lists every provider key present in the catalog.
func (c *Catalog) Providers() []string {
	out := make([]string, 0, len(c.index))
	for provider := range c.index {
		out = append(out, provider)
	}
	sort.Strings(out)
	return out
}

// Options converts operations into option-loader entries.
func Options(ops []*Operation) []Option {
	out := make([]Option, 0, len(ops))
	for _, op := range ops {
		out = append(out, Option{Name: op.DisplayName(), Value: op.Name, Description: op.Description})
	}
	return out
}
