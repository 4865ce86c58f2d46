package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/nlpctl/internal/jsoncodec"
	"github.com/danmuck/nlpctl/internal/observability"
	"github.com/danmuck/nlpctl/internal/properties"
	"github.com/danmuck/nlpctl/internal/retry"
	"github.com/danmuck/nlpctl/internal/supervisor"
)

var tracer = otel.Tracer("github.com/danmuck/nlpctl/internal/client")

// AnnotateOptions selects the properties for one call. Key names a registered
// set; Overrides beat it field by field; Annotators and OutputFormat only fill
// fields neither of them supplies.
type AnnotateOptions struct {
	Key          string
	Overrides    properties.PropertySet
	Annotators   string
	OutputFormat string
}

type Client struct {
	cfg      Config
	startup  supervisor.StartupConfig
	registry *properties.Registry
	sup      *supervisor.Supervisor
	http     *http.Client
	sleeper  *retry.Sleeper
	closed   atomic.Bool
}

type Option func(*Client)

// WithRegistry shares a registry between clients.
func WithRegistry(r *properties.Registry) Option {
	return func(c *Client) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithSupervisor replaces the process-wide supervisor.
func WithSupervisor(s *supervisor.Supervisor) Option {
	return func(c *Client) {
		if s != nil {
			c.sup = s
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		startup:  cfg.startup(),
		registry: properties.NewRegistry(),
		sup:      supervisor.Default(),
		http:     &http.Client{},
		sleeper:  retry.NewSleeper(cfg.Backoff),
	}
	for _, opt := range opts {
		opt(c)
	}
	for key, set := range cfg.Properties {
		c.registry.Register(key, set)
	}
	observability.RegisterMetrics()
	return c, nil
}

func (c *Client) Registry() *properties.Registry { return c.registry }

func (c *Client) ServerID() string { return c.cfg.ServerID }

// RegisterProperties stores set under key, replacing any earlier set.
func (c *Client) RegisterProperties(key string, set properties.PropertySet) {
	c.registry.Register(key, set)
}

// ResolveProperties returns the properties a call with opts would send.
func (c *Client) ResolveProperties(opts AnnotateOptions) (properties.PropertySet, error) {
	sh := properties.Shorthand{
		Annotators:   firstNonEmpty(opts.Annotators, c.cfg.Annotators),
		OutputFormat: firstNonEmpty(opts.OutputFormat, c.cfg.OutputFormat),
	}
	return c.registry.Resolve(opts.Key, opts.Overrides, sh)
}

// Annotate runs text through the server and decodes the response according
// to the resolved output format.
func (c *Client) Annotate(ctx context.Context, text string, opts AnnotateOptions) (*Result, error) {
	ctx, span := tracer.Start(ctx, "client.Annotate", trace.WithAttributes(
		attribute.String("server.id", c.cfg.ServerID),
		attribute.String("properties.key", opts.Key),
		attribute.Int("text.bytes", len(text)),
	))
	defer span.End()

	start := time.Now()
	format := ""
	res, err := func() (*Result, error) {
		props, err := c.ResolveProperties(opts)
		if err != nil {
			return nil, err
		}
		format = props.OutputFormat()
		span.SetAttributes(attribute.String("output.format", format))

		body, err := c.post(ctx, "/", nil, props, text)
		if err != nil {
			return nil, err
		}
		return decodeResult(format, props, body, c.cfg.MaxResponseBytes)
	}()

	observability.RecordClientRequest(c.cfg.ServerID, format, outcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// AnnotateBatch annotates texts with at most limit requests in flight and
// returns results in input order. The first failure cancels the rest.
func (c *Client) AnnotateBatch(ctx context.Context, texts []string, opts AnnotateOptions, limit int) ([]*Result, error) {
	if limit <= 0 {
		limit = 4
	}
	results := make([]*Result, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			res, err := c.Annotate(gctx, text, opts)
			if err != nil {
				return fmt.Errorf("client: batch item %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Tregex runs a constituency tree pattern over text.
func (c *Client) Tregex(ctx context.Context, text, pattern string, opts AnnotateOptions) (map[string]any, error) {
	return c.search(ctx, "/tregex", text, pattern, opts)
}

// Semgrex runs a dependency graph pattern over text.
func (c *Client) Semgrex(ctx context.Context, text, pattern string, opts AnnotateOptions) (map[string]any, error) {
	return c.search(ctx, "/semgrex", text, pattern, opts)
}

// TokensRegex runs a token sequence pattern over text.
func (c *Client) TokensRegex(ctx context.Context, text, pattern string, opts AnnotateOptions) (map[string]any, error) {
	return c.search(ctx, "/tokensregex", text, pattern, opts)
}

func (c *Client) search(ctx context.Context, path, text, pattern string, opts AnnotateOptions) (map[string]any, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, ErrPatternRequired
	}
	ctx, span := tracer.Start(ctx, "client.Search", trace.WithAttributes(
		attribute.String("server.id", c.cfg.ServerID),
		attribute.String("search.path", path),
	))
	defer span.End()

	props, err := c.ResolveProperties(opts)
	if err != nil {
		return nil, err
	}
	body, err := c.post(ctx, path, url.Values{"pattern": {pattern}}, props, text)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var out map[string]any
	if err := jsoncodec.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResponseDecode, path, err)
	}
	return out, nil
}

// Endpoint is the base URL of the backing server, or the configured one when
// the server has not been started yet.
func (c *Client) Endpoint() string {
	if st, ok := c.sup.Lookup(c.cfg.ServerID); ok && st.Endpoint != "" {
		return st.Endpoint
	}
	if c.cfg.Endpoint != "" {
		return c.cfg.Endpoint
	}
	return fmt.Sprintf("http://%s:%d", c.cfg.Host, c.cfg.Port)
}

// Stop shuts down the server behind this client's identifier. Other clients
// sharing the identifier start a new one on their next call.
func (c *Client) Stop(ctx context.Context) error {
	return c.sup.StopID(ctx, c.cfg.ServerID)
}

// Close rejects further calls. The server keeps running for other clients.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

// post sends one request while holding a reference on the server. Connection
// refused and reset are retried with backoff; anything the server answers is
// returned as is.
func (c *Client) post(ctx context.Context, path string, query url.Values, props properties.PropertySet, text string) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	h, err := c.sup.EnsureRunning(ctx, c.cfg.ServerID, c.startup)
	if err != nil {
		return nil, err
	}
	defer c.sup.Release(h)

	encoded, err := jsoncodec.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("client: encode properties: %w", err)
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("properties", string(encoded))
	if lang, ok := props.Get(properties.KeyPipelineLanguage); ok {
		query.Set("pipelineLanguage", lang)
	}
	target := h.Endpoint() + path + "?" + query.Encode()
	requestID := uuid.NewString()

	for attempt := 1; ; attempt++ {
		body, err := c.send(ctx, target, requestID, text)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTransient(err) {
			return nil, err
		}
		if attempt > c.cfg.MaxRetries {
			c.sup.MarkFailed(h)
			return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrServerUnavailable, h.Endpoint(), attempt, err)
		}
		log.Warn().
			Err(err).
			Str("server_id", c.cfg.ServerID).
			Str("request_id", requestID).
			Int("attempt", attempt).
			Msg("client.post transient failure, retrying")
		if err := c.sleeper.Sleep(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *Client) send(ctx context.Context, target, requestID, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(text))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set(observability.HeaderRequestID, requestID)
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.cfg.MaxResponseBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AnnotationError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	log.Debug().
		Str("server_id", c.cfg.ServerID).
		Str("request_id", requestID).
		Int("bytes", len(body)).
		Msg("client.send ok")
	return body, nil
}

// isTransient reports connection failures worth retrying against a server
// that was healthy. A peer closing the connection mid-request counts as a
// reset.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}

func outcome(err error) string {
	var annErr *AnnotationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &annErr):
		return "annotation_error"
	case errors.Is(err, ErrResponseDecode):
		return "decode_error"
	case errors.Is(err, ErrUnknownPropertiesKey):
		return "unknown_key"
	case errors.Is(err, ErrServerUnavailable), errors.Is(err, ErrServerStartupTimeout):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
