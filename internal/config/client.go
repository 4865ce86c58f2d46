package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/nlpctl/internal/client"
	"github.com/danmuck/nlpctl/internal/properties"
	"github.com/danmuck/nlpctl/internal/supervisor"
)

type clientFile struct {
	ServerID       string `toml:"server_id"`
	Endpoint       string `toml:"endpoint"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	StartMode      string `toml:"start_mode"`
	StartupTimeout string `toml:"startup_timeout"`
	StopGrace      string `toml:"stop_grace"`
	RequestTimeout string `toml:"request_timeout"`
	MaxRetries     int    `toml:"max_retries"`
	BackoffInitial string `toml:"backoff_initial"`
	BackoffMax     string `toml:"backoff_max"`
	Annotators     string `toml:"annotators"`
	OutputFormat   string `toml:"output_format"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`

	Java struct {
		Path             string   `toml:"path"`
		Home             string   `toml:"home"`
		Classpath        string   `toml:"classpath"`
		Memory           string   `toml:"memory"`
		Timeout          string   `toml:"timeout"`
		Threads          int      `toml:"threads"`
		MaxCharLength    int      `toml:"max_char_length"`
		Quiet            bool     `toml:"quiet"`
		ServerProperties string   `toml:"server_properties"`
		Preload          []string `toml:"preload"`
		ExtraArgs        []string `toml:"extra_args"`
	} `toml:"java"`

	Launch struct {
		Command string   `toml:"command"`
		Args    []string `toml:"args"`
		Env     []string `toml:"env"`
		Dir     string   `toml:"dir"`
	} `toml:"launch"`

	Properties    map[string]map[string]any `toml:"properties"`
	PropertyFiles map[string]string         `toml:"property_files"`
}

// LoadClientConfig overlays the TOML file at path onto client.DefaultConfig.
// Only keys present in the file change the defaults. Relative property_files
// paths resolve against the file's directory.
func LoadClientConfig(path string) (client.Config, error) {
	cfg := client.DefaultConfig()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return client.Config{}, fmt.Errorf("load client config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			if len(k) > 0 && k[0] == "properties" {
				continue
			}
			keys = append(keys, k.String())
		}
		if len(keys) > 0 {
			return client.Config{}, fmt.Errorf("load client config: unknown keys %s", strings.Join(keys, ", "))
		}
	}

	if meta.IsDefined("server_id") {
		cfg.ServerID = strings.TrimSpace(raw.ServerID)
	}
	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("start_mode") {
		cfg.StartMode = supervisor.StartMode(strings.ToLower(strings.TrimSpace(raw.StartMode)))
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"startup_timeout", raw.StartupTimeout, &cfg.StartupTimeout},
		{"stop_grace", raw.StopGrace, &cfg.StopGrace},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Backoff.MaxDelay},
		{"java.timeout", raw.Java.Timeout, &cfg.Java.Timeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return client.Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("annotators") {
		cfg.Annotators = strings.TrimSpace(raw.Annotators)
	}
	if meta.IsDefined("output_format") {
		cfg.OutputFormat = strings.TrimSpace(raw.OutputFormat)
	}
	if meta.IsDefined("username") {
		cfg.Username = raw.Username
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}

	applyJava(&cfg.Java, raw, meta)

	if meta.IsDefined("launch", "command") {
		cfg.Launch = supervisor.LaunchSpec{
			Command: strings.TrimSpace(raw.Launch.Command),
			Args:    raw.Launch.Args,
			Env:     raw.Launch.Env,
			Dir:     raw.Launch.Dir,
		}
	}

	sets, err := loadPropertySets(filepath.Dir(path), raw)
	if err != nil {
		return client.Config{}, err
	}
	if len(sets) > 0 {
		cfg.Properties = sets
	}

	if err := cfg.WithDefaults().Validate(); err != nil {
		return client.Config{}, err
	}
	return cfg, nil
}

func applyJava(dst *supervisor.JavaOptions, raw clientFile, meta toml.MetaData) {
	if meta.IsDefined("java", "path") {
		dst.Java = strings.TrimSpace(raw.Java.Path)
	}
	if meta.IsDefined("java", "home") {
		dst.Home = strings.TrimSpace(raw.Java.Home)
	}
	if meta.IsDefined("java", "classpath") {
		dst.Classpath = strings.TrimSpace(raw.Java.Classpath)
	}
	if meta.IsDefined("java", "memory") {
		dst.Memory = strings.TrimSpace(raw.Java.Memory)
	}
	if meta.IsDefined("java", "threads") {
		dst.Threads = raw.Java.Threads
	}
	if meta.IsDefined("java", "max_char_length") {
		dst.MaxCharLength = raw.Java.MaxCharLength
	}
	if meta.IsDefined("java", "quiet") {
		dst.Quiet = raw.Java.Quiet
	}
	if meta.IsDefined("java", "server_properties") {
		dst.ServerPropertiesFile = strings.TrimSpace(raw.Java.ServerProperties)
	}
	if meta.IsDefined("java", "preload") {
		dst.Preload = normalizeList(raw.Java.Preload)
	}
	if meta.IsDefined("java", "extra_args") {
		dst.ExtraArgs = raw.Java.ExtraArgs
	}
}

// loadPropertySets merges inline [properties.<key>] tables with Java
// .properties files. An inline table wins over a file for the same key.
func loadPropertySets(baseDir string, raw clientFile) (map[string]properties.PropertySet, error) {
	out := make(map[string]properties.PropertySet, len(raw.Properties)+len(raw.PropertyFiles))

	keys := make([]string, 0, len(raw.PropertyFiles))
	for k := range raw.PropertyFiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		p := strings.TrimSpace(raw.PropertyFiles[key])
		if p == "" {
			return nil, fmt.Errorf("property_files.%s: empty path", key)
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		set, err := properties.LoadJavaFile(p)
		if err != nil {
			return nil, fmt.Errorf("property_files.%s: %w", key, err)
		}
		out[key] = set
	}

	for key, table := range raw.Properties {
		flat := make(map[string]any, len(table))
		flatten("", table, flat)
		out[key] = properties.FromMap(flat)
	}
	return out, nil
}

// flatten turns dotted TOML keys (tokenize.language = "fr") back into the
// flat dotted names the server expects.
func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(name, nested, out)
			continue
		}
		out[name] = v
	}
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
