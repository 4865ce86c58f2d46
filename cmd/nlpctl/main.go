package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/nlpctl/internal/client"
	"github.com/danmuck/nlpctl/internal/config"
	"github.com/danmuck/nlpctl/internal/jsoncodec"
	"github.com/danmuck/nlpctl/internal/logging"
	"github.com/danmuck/nlpctl/internal/properties"
)

func main() {
	logging.ConfigureRuntime()

	configPath := flag.String("config", envOr("NLPCTL_CONFIG", "nlpctl.toml"), "client config path")
	key := flag.String("key", "", "registered properties key or language name")
	annotators := flag.String("annotators", "", "annotator list, e.g. tokenize,ssplit,pos")
	format := flag.String("format", "", "output format: json|text|serialized|conll|conllu|tagged|xml")
	set := flag.String("set", "", "comma separated key=value property overrides")
	search := flag.String("search", "", "pattern search kind: tregex|semgrex|tokensregex")
	pattern := flag.String("pattern", "", "pattern for -search")
	stop := flag.Bool("stop", os.Getenv("NLPCTL_STOP") == "1", "stop the server after the request")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load client config")
	}
	c, err := client.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build client")
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	overrides, err := parseOverrides(*set)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -set")
	}
	opts := client.AnnotateOptions{
		Key:          *key,
		Overrides:    overrides,
		Annotators:   *annotators,
		OutputFormat: *format,
	}

	text, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read stdin")
	}

	runErr := run(ctx, c, string(text), opts, *search, *pattern)
	if *stop {
		if err := c.Stop(context.Background()); err != nil {
			log.Error().Err(err).Str("server_id", c.ServerID()).Msg("failed to stop server")
		}
	}
	if runErr != nil {
		log.Fatal().Err(runErr).Str("server_id", c.ServerID()).Msg("request failed")
	}
}

func run(ctx context.Context, c *client.Client, text string, opts client.AnnotateOptions, search, pattern string) error {
	if search != "" {
		var (
			out map[string]any
			err error
		)
		switch strings.ToLower(search) {
		case "tregex":
			out, err = c.Tregex(ctx, text, pattern, opts)
		case "semgrex":
			out, err = c.Semgrex(ctx, text, pattern, opts)
		case "tokensregex":
			out, err = c.TokensRegex(ctx, text, pattern, opts)
		default:
			return fmt.Errorf("unknown search kind %q", search)
		}
		if err != nil {
			return err
		}
		return printJSON(out)
	}

	res, err := c.Annotate(ctx, text, opts)
	if err != nil {
		return err
	}
	switch {
	case res.JSON != nil:
		return printJSON(res.JSON)
	case res.Document != nil:
		return printJSON(res.Document)
	default:
		_, err := io.WriteString(os.Stdout, res.Text)
		return err
	}
}

func printJSON(v any) error {
	data, err := jsoncodec.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

func parseOverrides(raw string) (properties.PropertySet, error) {
	var set properties.PropertySet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return properties.PropertySet{}, fmt.Errorf("expected key=value, got %q", part)
		}
		set = set.With(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return set, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
