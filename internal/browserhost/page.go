package browserhost

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	localStorageGetScript  = `key => window.localStorage.getItem(key)`
	localStorageKeysScript = `() => Object.keys(window.localStorage)`
	globalScript           = `name => { const v = window[name]; return v === undefined || v === null ? null : JSON.stringify(v); }`
	bannerScript           = `text => {
  if (!text || document.getElementById("session-relay-banner")) return;
  const el = document.createElement("div");
  el.id = "session-relay-banner";
  el.textContent = text;
  el.style.cssText = "position:fixed;top:0;left:0;right:0;z-index:2147483647;padding:8px;text-align:center;background:#0b7a3b;color:#fff;font:14px sans-serif";
  document.body.appendChild(el);
}`
)

// evaluator is the part of a playwright page the extractor needs.
type evaluator interface {
	URL() string
	Evaluate(expression string, arg ...any) (any, error)
	Content() (string, error)
}

// pageAdapter runs the extractor's reads inside a live page.
type pageAdapter struct {
	page evaluator
}

func newPageAdapter(page evaluator) *pageAdapter {
	return &pageAdapter{page: page}
}

func (p *pageAdapter) URL() string {
	return p.page.URL()
}

func (p *pageAdapter) LocalStorage(ctx context.Context, key string) (string, bool, error) {
	v, err := p.evaluate(ctx, localStorageGetScript, key)
	if err != nil {
		return "", false, fmt.Errorf("reading localStorage %q: %w", key, err)
	}
	s, ok := v.(string)
	if !ok {
		return "", false, nil
	}
	return s, true, nil
}

func (p *pageAdapter) LocalStorageKeys(ctx context.Context) ([]string, error) {
	v, err := p.evaluate(ctx, localStorageKeysScript)
	if err != nil {
		return nil, fmt.Errorf("listing localStorage keys: %w", err)
	}
	items, _ := v.([]any)
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

// Global returns the JSON encoding of window[name].
func (p *pageAdapter) Global(ctx context.Context, name string) (json.RawMessage, bool, error) {
	v, err := p.evaluate(ctx, globalScript, name)
	if err != nil {
		return nil, false, fmt.Errorf("reading window.%s: %w", name, err)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, false, nil
	}
	return json.RawMessage(s), true, nil
}

func (p *pageAdapter) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := p.page.Content()
	if err != nil {
		return "", fmt.Errorf("reading page content: %w", err)
	}
	return html, nil
}

func (p *pageAdapter) ShowBanner(ctx context.Context, text string) error {
	_, err := p.evaluate(ctx, bannerScript, text)
	return err
}

func (p *pageAdapter) evaluate(ctx context.Context, script string, arg ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.page.Evaluate(script, arg...)
}
