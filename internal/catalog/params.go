package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/xeipuuv/gojsonschema"

	xerrors "ChainFlow-Nodes/internal/errors"
)

var blockTags = []any{"latest", "earliest", "pending", "safe", "finalized"}

const hexQuantityPattern = "^0x[0-9a-fA-F]+$"

// Params is user input decoded from the node parameters field. Exactly one
// of Named and List is set.
type Params struct {
	Named map[string]any
	List  []any
}

// IsList reports whether the caller supplied a raw positional array.
func (p Params) IsList() bool { return p.List != nil }

// DecodeParams accepts a JSON object, a JSON array, or nothing.
func DecodeParams(raw json.RawMessage) (Params, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Params{Named: map[string]any{}}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	switch trimmed[0] {
	case '{':
		named := map[string]any{}
		if err := dec.Decode(&named); err != nil {
			return Params{}, invalidParams("params is not a valid JSON object", err)
		}
		return Params{Named: named}, nil
	case '[':
		list := []any{}
		if err := dec.Decode(&list); err != nil {
			return Params{}, invalidParams("params is not a valid JSON array", err)
		}
		return Params{List: list}, nil
	default:
		return Params{}, invalidParams("params must be a JSON object or array", nil)
	}
}

func invalidParams(msg string, cause error) *xerrors.Error {
	if cause != nil {
		return xerrors.Wrap(xerrors.CodeInvalidParams, cause, msg)
	}
	return xerrors.New(xerrors.CodeInvalidParams, msg)
}

// Schema derives the JSON schema of the named params object.
func Schema(op *Operation) map[string]any {
	properties := make(map[string]any, len(op.Params))
	required := make([]any, 0, len(op.Params))
	for _, p := range op.Params {
		properties[p.Name] = paramSchema(p)
		if p.Required && p.Default == nil {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func paramSchema(p Param) map[string]any {
	var s map[string]any
	switch p.Type {
	case TypeAddress:
		s = map[string]any{"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
	case TypeHash:
		s = map[string]any{"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
	case TypeData:
		s = map[string]any{"type": "string", "pattern": "^0x[0-9a-fA-F]*$"}
	case TypeQuantity:
		s = map[string]any{"anyOf": []any{
			map[string]any{"type": "string", "pattern": hexQuantityPattern},
			map[string]any{"type": "integer", "minimum": 0},
		}}
	case TypeBlockTag:
		s = map[string]any{"anyOf": []any{
			map[string]any{"type": "string", "enum": blockTags},
			map[string]any{"type": "string", "pattern": hexQuantityPattern},
			map[string]any{"type": "integer", "minimum": 0},
		}}
	case TypeInteger, TypeBoolean, TypeObject, TypeArray:
		s = map[string]any{"type": string(p.Type)}
	default:
		s = map[string]any{"type": "string"}
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Description != "" {
		s["description"] = p.Description
	}
	return s
}

// Validate checks named params against the operation's derived schema and
// reports every violation at once.
func Validate(op *Operation, named map[string]any) error {
	if named == nil {
		named = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(Schema(op)),
		gojsonschema.NewGoLoader(named),
	)
	if err != nil {
		return invalidParams("params could not be validated", err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return xerrors.New(xerrors.CodeInvalidParams,
		fmt.Sprintf("invalid params for %s: %s", op.Name, strings.Join(problems, "; ")),
		xerrors.WithMetadata("operation", op.Name),
	)
}

// WithDefaults returns a copy of named with declared defaults filled in.
func WithDefaults(op *Operation, named map[string]any) map[string]any {
	out := make(map[string]any, len(named)+len(op.Params))
	for k, v := range named {
		out[k] = v
	}
	for _, p := range op.Params {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

// Positional turns user params into the list appended to the template's
// params. A raw list is passed through unchanged.
func Positional(op *Operation, params Params) ([]any, error) {
	if params.IsList() {
		return params.List, nil
	}
	named := WithDefaults(op, params.Named)

	if op.Packed {
		object := make(map[string]any, len(named))
		for _, p := range op.Params {
			v, ok := named[p.Name]
			if !ok || v == nil {
				continue
			}
			converted, err := toWire(p, v)
			if err != nil {
				return nil, err
			}
			object[p.Name] = converted
		}
		// An empty filter object is still a required argument.
		return []any{object}, nil
	}

	out := make([]any, 0, len(op.Params))
	last := -1
	for i, p := range op.Params {
		v, ok := named[p.Name]
		if !ok {
			out = append(out, nil)
			continue
		}
		converted, err := toWire(p, v)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
		last = i
	}
	return out[:last+1], nil
}

// toWire converts integer quantities and block numbers to 0x-prefixed hex.
func toWire(p Param, v any) (any, error) {
	if p.Type != TypeQuantity && p.Type != TypeBlockTag {
		return v, nil
	}
	n, ok, err := integerValue(v)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("param %s: %v", p.Name, err), nil)
	}
	if !ok {
		return v, nil
	}
	if n.Sign() < 0 {
		return nil, invalidParams(fmt.Sprintf("param %s must not be negative", p.Name), nil)
	}
	if n.IsUint64() {
		return hexutil.EncodeUint64(n.Uint64()), nil
	}
	return hexutil.EncodeBig(n), nil
}

func integerValue(v any) (*big.Int, bool, error) {
	switch n := v.(type) {
	case json.Number:
		i, ok := new(big.Int).SetString(n.String(), 10)
		if !ok {
			return nil, false, fmt.Errorf("%s is not an integer", n)
		}
		return i, true, nil
	case int:
		return big.NewInt(int64(n)), true, nil
	case int64:
		return big.NewInt(n), true, nil
	case uint64:
		return new(big.Int).SetUint64(n), true, nil
	case float64:
		if n != float64(int64(n)) {
			return nil, false, fmt.Errorf("%v is not an integer", n)
		}
		return big.NewInt(int64(n)), true, nil
	default:
		return nil, false, nil
	}
}
