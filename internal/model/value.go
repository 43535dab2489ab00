package model

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Value is either a literal or a {from: path} reference into the event.
type Value struct {
	From    string
	Literal any
}

func Literal(v any) Value { return Value{Literal: Normalize(v)} }
func From(path string) Value { return Value{From: path} }
func (v Value) IsRef() bool { return v.From != "" }
func (v Value) String() string {
	if v.IsRef() {
		return "{from: " + v.From + "}"
	}
	return fmt.Sprint(v.Literal)
}

// Resolve returns the literal, or the value found at From in view (nil when absent).
func (v Value) Resolve(view map[string]any) any {
	if !v.IsRef() {
		return v.Literal
	}
	out, _ := Lookup(view, v.From)
	return out
}

// ResolveAll resolves every value of a field map.
func ResolveAll(values map[string]Value, view map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v.Resolve(view)
	}
	return out
}

func (v *Value) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.MappingNode && len(n.Content) == 2 && n.Content[0].Value == "from" {
		path := strings.TrimSpace(n.Content[1].Value)
		if path == "" {
			return fmt.Errorf("line %d: empty from path", n.Line)
		}
		*v = From(path)
		return nil
	}
	var lit any
	if err := n.Decode(&lit); err != nil {
		return err
	}
	*v = Literal(lit)
	return nil
}

// Lookup walks a dot path through nested maps and slices.
func Lookup(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}
