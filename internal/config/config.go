// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Store     Store     `yaml:"store"`
	ValKey    ValKey    `yaml:"valkey"`
	Remote    Remote    `yaml:"remote"`
	WebApp    WebApp    `yaml:"webApp"`
	Refresher Refresher `yaml:"refresher"`
	Extractor Extractor `yaml:"extractor"`
	Browser   Browser   `yaml:"browser"`
}

// HTTPServer is the local UI surface.
type HTTPServer struct {
	Address         string        `yaml:"address" default:"127.0.0.1:8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendValKey StoreBackend = "valkey"
)

type Store struct {
	Backend StoreBackend `yaml:"backend" default:"memory"`
}

type ValKey struct {
	Host      commoncfg.SourceRef `yaml:"host"`
	User      commoncfg.SourceRef `yaml:"user"`
	Password  commoncfg.SourceRef `yaml:"password"`
	Prefix    string              `yaml:"prefix" default:"session-relay"`
	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
}

type ClientAuthType string

const (
	ClientAuthDefault  ClientAuthType = ""
	ClientAuthMTLS     ClientAuthType = "mtls"
	ClientAuthAPIKey   ClientAuthType = "apiKey"
	ClientAuthInsecure ClientAuthType = "insecure"
)

// Remote is the web application's REST API.
type Remote struct {
	BaseURL    string        `yaml:"baseURL" default:"http://localhost:3000/api"`
	Timeout    time.Duration `yaml:"timeout" default:"10s"`
	ClientAuth ClientAuth    `yaml:"clientAuth"`
}

type ClientAuth struct {
	Type         ClientAuthType      `yaml:"type"`
	APIKey       commoncfg.SourceRef `yaml:"apiKey"`
	APIKeyHeader string              `yaml:"apiKeyHeader" default:"apikey"`
	MTLS         *commoncfg.MTLS     `yaml:"mtls"`
}

// WebApp describes the web application the sessions come from.
type WebApp struct {
	Origin         string   `yaml:"origin" default:"http://localhost:3000"`
	LoginPath      string   `yaml:"loginPath" default:"/login"`
	CallbackPaths  []string `yaml:"callbackPaths"`
	DirectLinkPath string   `yaml:"directLinkPath" default:"/extension-auth"`
}

type Refresher struct {
	Period time.Duration `yaml:"period" default:"10m"`
}

type Extractor struct {
	ProviderKeys   []string      `yaml:"providerKeys"`
	TokenKey       string        `yaml:"tokenKey" default:"token"`
	UserKey        string        `yaml:"userKey" default:"user"`
	GlobalVariable string        `yaml:"globalVariable" default:"__SESSION_RELAY_AUTH__"`
	ElementID      string        `yaml:"elementID" default:"session-relay-auth"`
	PollInterval   time.Duration `yaml:"pollInterval" default:"500ms"`
	PollCeiling    time.Duration `yaml:"pollCeiling" default:"10s"`
	FlowMaxAge     time.Duration `yaml:"flowMaxAge" default:"2m"`
}

// Browser configures the playwright driven Chromium instance.
type Browser struct {
	Enabled       bool     `yaml:"enabled" default:"true"`
	Headless      bool     `yaml:"headless" default:"false"`
	StartURLs     []string `yaml:"startURLs"`
	TargetOrigins []string `yaml:"targetOrigins"` // Sites the content relay runs on besides the web app
}
