package jobdef

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/3leaps/kgextract/pkg/provider"
	"github.com/3leaps/kgextract/pkg/record"
)

// PromptData is the template context.
type PromptData struct {
	Key     string
	Row     record.Record
	Deps    map[string]record.Record
	Results map[string]any
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"join": func(sep string, v any) string {
		list, ok := v.([]any)
		if !ok {
			return fmt.Sprint(v)
		}
		parts := make([]string, len(list))
		for i, x := range list {
			parts[i] = fmt.Sprint(x)
		}
		return strings.Join(parts, sep)
	},
}

// renderer is a compiled prompt.
type renderer struct {
	prompt Prompt
	system *template.Template
	body   *template.Template
}

func compilePrompt(name string, p *Prompt) (*renderer, error) {
	if p == nil {
		return nil, fmt.Errorf("%s: prompt is required", name)
	}
	body, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(p.Template)
	if err != nil {
		return nil, fmt.Errorf("%s: parse prompt template: %w", name, err)
	}
	r := &renderer{prompt: *p, body: body}
	if p.System != "" {
		r.system, err = template.New(name + ".system").Funcs(funcs).Option("missingkey=zero").Parse(p.System)
		if err != nil {
			return nil, fmt.Errorf("%s: parse system template: %w", name, err)
		}
	}
	return r, nil
}

func (r *renderer) request(data PromptData) (*provider.Request, error) {
	var b strings.Builder
	if err := r.body.Execute(&b, data); err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	req := &provider.Request{
		Model:       r.prompt.Model,
		Prompt:      b.String(),
		MaxTokens:   r.prompt.MaxTokens,
		Temperature: r.prompt.Temperature,
		JSON:        true,
	}
	if r.system != nil {
		b.Reset()
		if err := r.system.Execute(&b, data); err != nil {
			return nil, fmt.Errorf("render system prompt: %w", err)
		}
		req.System = b.String()
	}
	return req, nil
}
