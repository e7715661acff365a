package mcpmgr

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestConfigHelpersDirect(t *testing.T) {
	t.Parallel()

	stdio := &StdioServerConfig{
		BaseServerConfig: BaseServerConfig{Timeout: 5 * time.Second, Version: "1.2.3"},
		Command:          "npx",
		Args:             []string{"@modelcontextprotocol/server-everything"},
		Env:              map[string]string{"A": "B"},
	}
	http := &HTTPServerConfig{
		BaseServerConfig: BaseServerConfig{Timeout: 10 * time.Second, Version: "2.0.0"},
		Endpoint:         "https://example",
		MaxRetries:       3,
		SessionID:        "sess",
	}

	if !IsStdio(stdio) || IsHTTP(stdio) {
		t.Fatalf("IsStdio/IsHTTP mismatch for stdio")
	}
	if !IsHTTP(http) || IsStdio(http) {
		t.Fatalf("IsHTTP/IsStdio mismatch for http")
	}

	if TransportOf(stdio) != TransportStdio {
		t.Fatalf("TransportOf(stdio) = %q", TransportOf(stdio))
	}
	if TransportOf(http) != TransportHTTP {
		t.Fatalf("TransportOf(http) = %q", TransportOf(http))
	}
	if TransportOf(nil) != "" {
		t.Fatalf("TransportOf(nil) should be empty")
	}

	if c, ok := AsStdio(stdio); !ok || c.Command != "npx" {
		t.Fatalf("AsStdio failed to narrow stdio: ok=%v cfg=%#v", ok, c)
	}
	if c, ok := AsHTTP(http); !ok || c.Endpoint != "https://example" {
		t.Fatalf("AsHTTP failed to narrow http: ok=%v cfg=%#v", ok, c)
	}
	if c, ok := AsStdio(http); ok || c != nil {
		t.Fatalf("AsStdio(http) should not narrow: ok=%v cfg=%#v", ok, c)
	}
	if c, ok := AsHTTP(stdio); ok || c != nil {
		t.Fatalf("AsHTTP(stdio) should not narrow: ok=%v cfg=%#v", ok, c)
	}
}

func TestConfigHelpersWithHandles(t *testing.T) {
	t.Parallel()

	stdioID := "s-stdio"
	httpID := "s-http"
	endpoints := []Endpoint{
		{ID: stdioID, Config: &StdioServerConfig{
			BaseServerConfig: BaseServerConfig{Timeout: 7 * time.Second},
			Command:          "npx",
			Args:             []string{"@modelcontextprotocol/server-everything"},
		}},
		{ID: httpID, Config: &HTTPServerConfig{
			BaseServerConfig: BaseServerConfig{Timeout: 9 * time.Second},
			Endpoint:         "https://gitmcp.io/modelcontextprotocol/go-sdk",
		}},
	}

	dial := func(ctx context.Context, ep Endpoint) (Session, error) {
		return nil, errors.New("offline")
	}
	r := NewRegistry(&Options{ClientName: "helpers-test", Dialer: dial})
	res := r.ConnectAll(context.Background(), endpoints)
	if len(res.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(res.Failures))
	}
	handles := r.Handles()
	if len(handles) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(handles))
	}

	seen := map[ConfigTransport]bool{}
	for _, h := range handles {
		switch TransportOf(h.Config) {
		case TransportStdio:
			seen[TransportStdio] = true
			c, ok := AsStdio(h.Config)
			if !ok || c == nil || c.Command != "npx" {
				t.Fatalf("narrowed stdio invalid: ok=%v cfg=%#v", ok, c)
			}
		case TransportHTTP:
			seen[TransportHTTP] = true
			c, ok := AsHTTP(h.Config)
			if !ok || c == nil || c.Endpoint == "" {
				t.Fatalf("narrowed http invalid: ok=%v cfg=%#v", ok, c)
			}
		default:
			t.Fatalf("unknown transport for %s: %T", h.ID, h.Config)
		}
	}
	if !reflect.DeepEqual(seen, map[ConfigTransport]bool{TransportStdio: true, TransportHTTP: true}) {
		t.Fatalf("seen transports mismatch: %#v", seen)
	}
	if TransportOf(&TransportServerConfig{}) != TransportCustom {
		t.Fatalf("TransportOf(custom) mismatch")
	}
}
