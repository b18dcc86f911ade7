package config

import (
	"fmt"
	"net/url"
	"strings"
)

// LoginURL returns the absolute URL of the web application's login page.
func (w WebApp) LoginURL() (string, error) {
	u, err := url.JoinPath(w.Origin, w.LoginPath)
	if err != nil {
		return "", fmt.Errorf("building login url: %w", err)
	}
	return u, nil
}

// Validate checks that the origin is an absolute http(s) origin.
func (w WebApp) Validate() error {
	u, err := url.Parse(w.Origin)
	if err != nil {
		return fmt.Errorf("parsing web app origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("web app origin %q: scheme must be http or https", w.Origin)
	}
	if u.Host == "" {
		return fmt.Errorf("web app origin %q: missing host", w.Origin)
	}
	if strings.Trim(u.Path, "/") != "" || u.RawQuery != "" {
		return fmt.Errorf("web app origin %q: must not carry a path or query", w.Origin)
	}
	return nil
}
