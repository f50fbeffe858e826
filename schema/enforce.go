package schema

import "slices"

// Walk rebuilds s bottom-up, applying fn to every node reachable through
// properties, items and the composition keywords. The input tree is never
// modified; fn receives fresh copies it may mutate.
func Walk(s Schema, fn func(Schema) Schema) Schema {
	if s == nil {
		return nil
	}
	switch n := s.(type) {
	case *Object:
		c := *n
		c.Keywords = cloneKeywords(n.Keywords)
		c.Required = slices.Clone(n.Required)
		if n.Properties != nil {
			c.Properties = make(map[string]Schema, len(n.Properties))
			for name, sub := range n.Properties {
				c.Properties[name] = Walk(sub, fn)
			}
		}
		c.Compose = walkCompose(n.Compose, fn)
		return fn(&c)
	case *Array:
		c := *n
		c.Keywords = cloneKeywords(n.Keywords)
		c.Items = Walk(n.Items, fn)
		if n.Tuple != nil {
			c.Tuple = make([]Schema, len(n.Tuple))
			for i, item := range n.Tuple {
				c.Tuple[i] = Walk(item, fn)
			}
		}
		c.Compose = walkCompose(n.Compose, fn)
		return fn(&c)
	case *Composition:
		c := *n
		c.Keywords = cloneKeywords(n.Keywords)
		c.Compose = walkCompose(n.Compose, fn)
		return fn(&c)
	case *Leaf:
		c := *n
		if n.Keywords != nil {
			c.Keywords = cloneKeywords(n.Keywords)
		}
		return fn(&c)
	default:
		return s
	}
}

func walkCompose(c Compose, fn func(Schema) Schema) Compose {
	walkList := func(list []Schema) []Schema {
		if list == nil {
			return nil
		}
		out := make([]Schema, len(list))
		for i, s := range list {
			out[i] = Walk(s, fn)
		}
		return out
	}
	return Compose{
		OneOf: walkList(c.OneOf),
		AnyOf: walkList(c.AnyOf),
		AllOf: walkList(c.AllOf),
		Not:   Walk(c.Not, fn),
		If:    Walk(c.If, fn),
		Then:  Walk(c.Then, fn),
		Else:  Walk(c.Else, fn),
	}
}

// NoAdditionalProperties disallows extra keys on every object node that
// declares type "object" and leaves additionalProperties unset. Explicit
// values are kept.
func NoAdditionalProperties(s Schema) Schema {
	return Walk(s, func(n Schema) Schema {
		if obj, ok := n.(*Object); ok && obj.IsTyped() && obj.Additional == nil {
			obj.Additional = false
		}
		return n
	})
}

// RequireAllProperties sets required to exactly the declared property keys
// on every node that carries a properties map.
func RequireAllProperties(s Schema) Schema {
	return Walk(s, func(n Schema) Schema {
		if obj, ok := n.(*Object); ok && obj.Properties != nil {
			obj.Required = obj.PropertyNames()
			obj.HasRequired = true
		}
		return n
	})
}

// Options selects which transforms Strict applies.
type Options struct {
	// RequireAll forces every declared property to be required, for
	// providers whose strict mode rejects optional properties.
	RequireAll bool
}

// Strict returns the document with additional properties disallowed and,
// if requested, every property required.
func Strict(doc map[string]any, opts Options) map[string]any {
	s := NoAdditionalProperties(Parse(doc))
	if opts.RequireAll {
		s = RequireAllProperties(s)
	}
	return EncodeMap(s)
}

// Extract unwraps the legacy {"schema": {...}} request shape. Plain schemas
// are returned as-is.
func Extract(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	if inner, ok := doc["schema"].(map[string]any); ok {
		return inner
	}
	return doc
}
