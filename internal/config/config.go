package config

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

// DefaultPath is read when no explicit path is given.
const DefaultPath = "orchestrator.yaml"

// Config aggregates all application configuration
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
	Engine  EngineConfig   `yaml:"engine"`
	Model   ModelConfig    `yaml:"model"`
	Gateway GatewayConfig  `yaml:"gateway"`
	Log     LogConfig      `yaml:"log"`
}

// ServerConfig describes one tool server.
type ServerConfig struct {
	ID string `yaml:"id"`
	// Transport is one of stdio, http, streamable or sse. http picks
	// streamable or SSE from the URL.
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Token     string            `yaml:"token"`
	Timeout   time.Duration     `yaml:"timeout"`
}

type EngineConfig struct {
	MaxTurns     int           `yaml:"max_turns" env:"ORCH_MAX_TURNS" env-default:"10"`
	ToolTimeout  time.Duration `yaml:"tool_timeout" env:"ORCH_TOOL_TIMEOUT" env-default:"30s"`
	SystemPrompt string        `yaml:"system_prompt" env:"ORCH_SYSTEM_PROMPT"`
	// ValidateArguments checks call arguments against tool schemas before
	// contacting a server.
	ValidateArguments bool `yaml:"validate_arguments" env:"ORCH_VALIDATE_ARGUMENTS"`
}

type ModelConfig struct {
	BaseURL     string   `yaml:"base_url" env:"MODEL_BASE_URL" env-default:"https://api.groq.com/openai/v1"`
	APIKey      string   `yaml:"api_key" env:"MODEL_API_KEY"`
	Name        string   `yaml:"name" env:"MODEL_NAME" env-default:"llama-3.3-70b-versatile"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int64    `yaml:"max_tokens" env:"MODEL_MAX_TOKENS"`
}

type GatewayConfig struct {
	Addr           string   `yaml:"addr" env:"GATEWAY_ADDR" env-default:":8010"`
	Path           string   `yaml:"path" env:"GATEWAY_PATH" env-default:"/mcp"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"GATEWAY_ALLOWED_ORIGINS"`
	Token          string   `yaml:"token" env:"GATEWAY_TOKEN"`
}

type LogConfig struct {
	Level   string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	JSONRPC bool   `yaml:"json_rpc" env:"LOG_JSON_RPC"`
}

// Load reads configuration from path (DefaultPath when empty) and environment
// variables. Priority: Env Vars > Config File > Defaults. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, errors.Wrap(err, "read env config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the server list.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.ID == "" {
			return errors.Newf("servers[%d]: id is required", i)
		}
		if seen[s.ID] {
			return errors.Newf("servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		switch s.transport() {
		case "stdio":
			if s.Command == "" {
				return errors.Newf("server %q: command is required for stdio", s.ID)
			}
		case "http", "streamable", "sse":
			if s.URL == "" {
				return errors.Newf("server %q: url is required for %s", s.ID, s.transport())
			}
		default:
			return errors.Newf("server %q: unknown transport %q", s.ID, s.Transport)
		}
	}
	return nil
}

func (s ServerConfig) transport() string {
	t := strings.ToLower(strings.TrimSpace(s.Transport))
	if t != "" {
		return t
	}
	if s.Command != "" {
		return "stdio"
	}
	return "http"
}

// Endpoints converts the server list into registry endpoints, in file order.
func (c *Config) Endpoints() []mcpmgr.Endpoint {
	out := make([]mcpmgr.Endpoint, 0, len(c.Servers))
	for _, s := range c.Servers {
		base := mcpmgr.BaseServerConfig{Timeout: s.Timeout, LogJSONRPC: c.Log.JSONRPC}
		if s.transport() == "stdio" {
			out = append(out, mcpmgr.Endpoint{ID: s.ID, Config: &mcpmgr.StdioServerConfig{
				BaseServerConfig: base,
				Command:          s.Command,
				Args:             s.Args,
				Env:              s.Env,
			}})
			continue
		}
		hc := &mcpmgr.HTTPServerConfig{BaseServerConfig: base, Endpoint: s.URL}
		switch s.transport() {
		case "sse":
			hc.PreferSSE = mcpmgr.Bool(true)
		case "streamable":
			hc.PreferSSE = mcpmgr.Bool(false)
		}
		if len(s.Headers) > 0 {
			hc.Headers = make(http.Header, len(s.Headers))
			for k, v := range s.Headers {
				hc.Headers.Set(k, v)
			}
		}
		if token := s.Token; token != "" {
			hc.AuthProvider = func(context.Context) (string, error) { return "Bearer " + token, nil }
		}
		out = append(out, mcpmgr.Endpoint{ID: s.ID, Config: hc})
	}
	return out
}

// SlogLevel maps Log.Level to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
