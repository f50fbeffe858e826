// Package schema parses JSON-schema documents into a small recursive sum type,
// applies strictness transforms to them and validates candidate values.
//
// Only the keywords the transforms walk are modeled: properties,
// additionalProperties, required, items and the composition keywords. Every
// other keyword is carried through untouched.
package schema

import (
	"maps"
	"slices"
)

// Schema is one node of a parsed schema tree. The concrete type is one of
// *Object, *Array, *Composition or *Leaf.
type Schema interface {
	isSchema()
	composition() *Compose
}

// Compose holds the composition keywords shared by every node kind.
type Compose struct {
	OneOf []Schema
	AnyOf []Schema
	AllOf []Schema
	Not   Schema
	If    Schema
	Then  Schema
	Else  Schema
}

func (c *Compose) empty() bool {
	return len(c.OneOf) == 0 && len(c.AnyOf) == 0 && len(c.AllOf) == 0 &&
		c.Not == nil && c.If == nil && c.Then == nil && c.Else == nil
}

// Object is a schema with type "object" or a properties map.
type Object struct {
	Compose
	Keywords   map[string]any
	Properties map[string]Schema
	// Additional is the raw additionalProperties value; nil means unset.
	Additional any
	Required   []string
	// HasRequired distinguishes an explicit empty required list from none.
	HasRequired bool
}

// Array is a schema with type "array" or an items keyword.
type Array struct {
	Compose
	Keywords map[string]any
	Items    Schema
	// Tuple is set when items was given as a list.
	Tuple []Schema
}

// Composition is a schema whose only structure is composition keywords.
type Composition struct {
	Compose
	Keywords map[string]any
}

// Leaf is a schema with no subschemas, including the boolean schemas.
type Leaf struct {
	Keywords map[string]any
	Boolean  *bool
}

func (*Object) isSchema()      {}
func (*Array) isSchema()       {}
func (*Composition) isSchema() {}
func (*Leaf) isSchema()        {}

func (o *Object) composition() *Compose      { return &o.Compose }
func (a *Array) composition() *Compose       { return &a.Compose }
func (c *Composition) composition() *Compose { return &c.Compose }
func (l *Leaf) composition() *Compose        { return nil }

// IsTyped reports whether the object node declares type "object".
func (o *Object) IsTyped() bool {
	return hasType(o.Keywords, "object")
}

// PropertyNames returns the property keys in sorted order.
func (o *Object) PropertyNames() []string {
	return slices.Sorted(maps.Keys(o.Properties))
}

var (
	compositionListKeys   = []string{"oneOf", "anyOf", "allOf"}
	compositionSingleKeys = []string{"not", "if", "then", "else"}
)

// Parse converts a decoded JSON document into a schema tree. Values that are
// neither objects nor booleans are kept verbatim as leaf keywords.
func Parse(doc any) Schema {
	switch v := doc.(type) {
	case bool:
		b := v
		return &Leaf{Boolean: &b}
	case map[string]any:
		return parseMap(v)
	default:
		return &Leaf{Keywords: map[string]any{}}
	}
}

func parseMap(m map[string]any) Schema {
	keywords := make(map[string]any, len(m))
	for k, v := range m {
		keywords[k] = v
	}

	var compose Compose
	for _, key := range compositionListKeys {
		list, ok := keywords[key].([]any)
		if !ok {
			continue
		}
		delete(keywords, key)
		parsed := make([]Schema, 0, len(list))
		for _, item := range list {
			parsed = append(parsed, Parse(item))
		}
		switch key {
		case "oneOf":
			compose.OneOf = parsed
		case "anyOf":
			compose.AnyOf = parsed
		case "allOf":
			compose.AllOf = parsed
		}
	}
	for _, key := range compositionSingleKeys {
		raw, ok := keywords[key]
		if !ok || !isSchemaValue(raw) {
			continue
		}
		delete(keywords, key)
		parsed := Parse(raw)
		switch key {
		case "not":
			compose.Not = parsed
		case "if":
			compose.If = parsed
		case "then":
			compose.Then = parsed
		case "else":
			compose.Else = parsed
		}
	}

	props, hasProps := keywords["properties"].(map[string]any)
	if hasProps || hasType(keywords, "object") {
		obj := &Object{Compose: compose, Keywords: keywords}
		if hasProps {
			delete(keywords, "properties")
			obj.Properties = make(map[string]Schema, len(props))
			for name, sub := range props {
				obj.Properties[name] = Parse(sub)
			}
		}
		if additional, ok := keywords["additionalProperties"]; ok {
			delete(keywords, "additionalProperties")
			obj.Additional = additional
		}
		if required, ok := keywords["required"].([]any); ok {
			delete(keywords, "required")
			obj.HasRequired = true
			for _, r := range required {
				if s, ok := r.(string); ok {
					obj.Required = append(obj.Required, s)
				}
			}
		}
		return obj
	}

	items, hasItems := keywords["items"]
	if (hasItems && isSchemaOrList(items)) || hasType(keywords, "array") {
		arr := &Array{Compose: compose, Keywords: keywords}
		if hasItems {
			switch v := items.(type) {
			case []any:
				delete(keywords, "items")
				arr.Tuple = make([]Schema, 0, len(v))
				for _, item := range v {
					arr.Tuple = append(arr.Tuple, Parse(item))
				}
			case map[string]any, bool:
				delete(keywords, "items")
				arr.Items = Parse(v)
			}
		}
		return arr
	}

	if !compose.empty() {
		return &Composition{Compose: compose, Keywords: keywords}
	}
	return &Leaf{Keywords: keywords}
}

// Encode converts a schema tree back into a JSON-ready document.
func Encode(s Schema) any {
	switch n := s.(type) {
	case *Leaf:
		if n.Boolean != nil {
			return *n.Boolean
		}
		return cloneKeywords(n.Keywords)
	case *Object:
		out := cloneKeywords(n.Keywords)
		if n.Properties != nil {
			props := make(map[string]any, len(n.Properties))
			for name, sub := range n.Properties {
				props[name] = Encode(sub)
			}
			out["properties"] = props
		}
		if n.Additional != nil {
			out["additionalProperties"] = n.Additional
		}
		if n.HasRequired {
			required := make([]any, 0, len(n.Required))
			for _, r := range n.Required {
				required = append(required, r)
			}
			out["required"] = required
		}
		encodeCompose(out, &n.Compose)
		return out
	case *Array:
		out := cloneKeywords(n.Keywords)
		switch {
		case n.Tuple != nil:
			items := make([]any, 0, len(n.Tuple))
			for _, item := range n.Tuple {
				items = append(items, Encode(item))
			}
			out["items"] = items
		case n.Items != nil:
			out["items"] = Encode(n.Items)
		}
		encodeCompose(out, &n.Compose)
		return out
	case *Composition:
		out := cloneKeywords(n.Keywords)
		encodeCompose(out, &n.Compose)
		return out
	default:
		return map[string]any{}
	}
}

// EncodeMap is Encode for callers that need an object document. Boolean
// schemas encode to an empty or negated object.
func EncodeMap(s Schema) map[string]any {
	switch v := Encode(s).(type) {
	case map[string]any:
		return v
	case bool:
		if v {
			return map[string]any{}
		}
		return map[string]any{"not": map[string]any{}}
	default:
		return map[string]any{}
	}
}

func encodeCompose(out map[string]any, c *Compose) {
	encodeList := func(key string, list []Schema) {
		if list == nil {
			return
		}
		encoded := make([]any, 0, len(list))
		for _, s := range list {
			encoded = append(encoded, Encode(s))
		}
		out[key] = encoded
	}
	encodeList("oneOf", c.OneOf)
	encodeList("anyOf", c.AnyOf)
	encodeList("allOf", c.AllOf)
	for key, sub := range map[string]Schema{"not": c.Not, "if": c.If, "then": c.Then, "else": c.Else} {
		if sub != nil {
			out[key] = Encode(sub)
		}
	}
}

func hasType(keywords map[string]any, want string) bool {
	switch t := keywords["type"].(type) {
	case string:
		return t == want
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func isSchemaValue(v any) bool {
	switch v.(type) {
	case map[string]any, bool:
		return true
	}
	return false
}

func isSchemaOrList(v any) bool {
	if _, ok := v.([]any); ok {
		return true
	}
	return isSchemaValue(v)
}

// cloneKeywords copies the top level; nested unmodeled values are shared,
// which is safe because the transforms never write into them.
func cloneKeywords(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}
