package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/nlpctl/internal/client"
	"github.com/danmuck/nlpctl/internal/supervisor"
	"github.com/danmuck/nlpctl/internal/testutil/testlog"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadClientConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeFile(t, dir, "german.properties", "annotators = tokenize,ssplit,pos\npipelineLanguage = german\n")
	path := writeFile(t, dir, "nlpctl.toml", `
server_id = "corenlp-de"
start_mode = "FORCE"
port = 9011
request_timeout = "15s"
backoff_initial = "50ms"
output_format = "json"

[java]
home = "/opt/corenlp"
memory = "2G"
timeout = "30s"
preload = [" tokenize ", "", "ssplit"]

[properties.fr-custom]
annotators = "tokenize,ssplit,mwt"
tokenize.language = "fr"
ssplit.eolonly = true

[property_files]
german = "german.properties"
`)

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := client.DefaultConfig()

	if cfg.ServerID != "corenlp-de" || cfg.Port != 9011 || cfg.StartMode != supervisor.StartForce {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.RequestTimeout != 15*time.Second || cfg.Backoff.InitialDelay != 50*time.Millisecond {
		t.Fatalf("unexpected durations: request=%v backoff=%v", cfg.RequestTimeout, cfg.Backoff.InitialDelay)
	}
	if cfg.StartupTimeout != def.StartupTimeout || cfg.MaxRetries != def.MaxRetries || cfg.Host != def.Host {
		t.Fatalf("undefined keys should keep defaults: %+v", cfg)
	}
	if cfg.Java.Home != "/opt/corenlp" || cfg.Java.Memory != "2G" || cfg.Java.Timeout != 30*time.Second {
		t.Fatalf("unexpected java options: %+v", cfg.Java)
	}
	if len(cfg.Java.Preload) != 2 || cfg.Java.Preload[0] != "tokenize" {
		t.Fatalf("unexpected preload: %v", cfg.Java.Preload)
	}
	if cfg.Java.Threads != def.Java.Threads {
		t.Fatalf("threads should keep default, got %d", cfg.Java.Threads)
	}

	fr, ok := cfg.Properties["fr-custom"]
	if !ok {
		t.Fatalf("missing fr-custom properties: %v", cfg.Properties)
	}
	if v, _ := fr.Get("tokenize.language"); v != "fr" {
		t.Fatalf("dotted key not flattened: %s", fr)
	}
	if v, _ := fr.Get("ssplit.eolonly"); v != "true" {
		t.Fatalf("bool not stringified: %s", fr)
	}
	german, ok := cfg.Properties["german"]
	if !ok || german.Annotators() != "tokenize,ssplit,pos" {
		t.Fatalf("property file not loaded: %v", cfg.Properties)
	}
}

func TestLoadClientConfigErrors(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cases := []struct {
		name    string
		content string
	}{
		{name: "bad duration", content: `request_timeout = "soon"`},
		{name: "unknown key", content: `retries = 3`},
		{name: "bad mode", content: `start_mode = "sometimes"`},
		{name: "missing property file", content: "[property_files]\nx = \"nope.properties\"\n"},
		{name: "syntax", content: `server_id = `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, "bad.toml", tc.content)
			if _, err := LoadClientConfig(path); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}

	path := writeFile(t, dir, "mode.toml", `start_mode = "sometimes"`)
	if _, err := LoadClientConfig(path); !errors.Is(err, client.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestClientTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "nlpctl.toml")
	if err := WriteTemplate(path, "client", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "client", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if v, _ := cfg.Properties["fr-custom"].Get("tokenize.language"); v != "fr" {
		t.Fatalf("template properties not loaded: %v", cfg.Properties)
	}
}

func TestLoadStubConfig(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "stub.toml", `shutdown_key = "k"
cors_origins = ["http://localhost:3000"]
`)
	cfg, err := LoadStubConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ID != "stubserver" || cfg.Addr != "127.0.0.1:9000" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	sc := cfg.ServerConfig()
	if sc.ShutdownKey != "k" || len(sc.CorsOrigins) != 1 {
		t.Fatalf("unexpected server config: %+v", sc)
	}

	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	tmpl := filepath.Join(dir, "tmpl.toml")
	if err := WriteTemplate(tmpl, "stub", true); err != nil {
		t.Fatalf("write stub template: %v", err)
	}
	if _, err := LoadStubConfig(tmpl); err != nil {
		t.Fatalf("load stub template: %v", err)
	}

	bad := writeFile(t, dir, "bad.toml", `max_body_size = -1`)
	if _, err := LoadStubConfig(bad); err == nil {
		t.Fatalf("expected negative body size error")
	}
}
