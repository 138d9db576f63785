// Package render turns campaign content into per-recipient messages:
// Liquid merge-tag substitution plus open-pixel and click-tracking
// injection keyed by a signed tracking id.
package render

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer renders merge-tagged subjects and bodies with a cached Liquid
// engine. Missing fields render empty; a send never fails on a template
// warning, only on a template that does not parse.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // template source -> *liquid.Template
}

// NewRenderer creates a renderer with the pipeline's filter set.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}

	r.engine.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	r.engine.RegisterFilter("upcase", strings.ToUpper)
	r.engine.RegisterFilter("downcase", strings.ToLower)
	r.engine.RegisterFilter("urlencode", url.QueryEscape)
	r.engine.RegisterFilter("escape", html.EscapeString)

	return r
}

// Render substitutes merge fields into a template string.
func (r *Renderer) Render(template string, fields map[string]any) (string, error) {
	if template == "" {
		return "", nil
	}
	if !strings.Contains(template, "{{") && !strings.Contains(template, "{%") {
		return template, nil
	}

	var tpl *liquid.Template
	if cached, ok := r.cache.Load(template); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(template)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		r.cache.Store(template, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings(fields))
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func bindings(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	return fields
}
