package stubserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/nlpctl/internal/auth"
	"github.com/danmuck/nlpctl/internal/document"
	"github.com/danmuck/nlpctl/internal/jsoncodec"
	"github.com/danmuck/nlpctl/internal/observability"
	"github.com/danmuck/nlpctl/internal/protocol/frame"
)

// PropertyDelay makes the server wait before answering, for timeout tests.
const PropertyDelay = "stub.delay"

type Config struct {
	ID          string
	Addr        string
	ShutdownKey string
	CorsOrigins []string
	MaxBodySize int64
	// Username enables basic auth on the annotation routes.
	Username string
	Password string
}

// Server is a small annotation server speaking the same HTTP surface as the
// Java server: annotate on POST /, pattern search, health and shutdown.
type Server struct {
	cfg      Config
	router   *gin.Engine
	shutdown auth.Validator
	basic    auth.Basic

	mu       sync.Mutex
	httpSrv  *http.Server
	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg Config) *Server {
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = "stub"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}

	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	if len(cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CorsOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type", observability.HeaderRequestID},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		router:   r,
		shutdown: auth.StaticToken{Token: cfg.ShutdownKey},
		basic:    auth.Basic{Username: cfg.Username, Password: cfg.Password},
		stopped:  make(chan struct{}),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Stopped is closed once a shutdown request was accepted.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopped
}

// Serve listens on cfg.Addr until Shutdown or an accepted shutdown request.
func (s *Server) Serve() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

func (s *Server) ServeListener(l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	select {
	case <-s.stopped:
		_ = l.Close()
		return nil
	default:
	}

	log.Info().Str("id", s.cfg.ID).Str("addr", l.Addr().String()).Msg("stubserver.Serve listening")
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopped) })
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong\n")
	})
	s.router.GET("/live", func(c *gin.Context) {
		c.String(http.StatusOK, "live\n")
	})
	s.router.GET("/ready", func(c *gin.Context) {
		c.String(http.StatusOK, "ready\n")
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/shutdown", s.handleShutdown)

	annotate := s.router.Group("/", s.requireBasic)
	annotate.POST("/", s.handleAnnotate)
	annotate.POST("/tregex", s.handlePattern)
	annotate.POST("/semgrex", s.handlePattern)
	annotate.POST("/tokensregex", s.handlePattern)
}

func (s *Server) requireBasic(c *gin.Context) {
	user, pass, ok := c.Request.BasicAuth()
	if err := s.basic.Check(user, pass, ok); err != nil {
		c.Header("WWW-Authenticate", `Basic realm="stubserver"`)
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Next()
}

func (s *Server) handleShutdown(c *gin.Context) {
	key := c.Query("key")
	if err := s.shutdown.Validate(key); err != nil {
		c.String(http.StatusForbidden, "Invalid shutdown key\n")
		return
	}
	c.String(http.StatusOK, "Shutdown successful!\n")
	log.Info().Str("id", s.cfg.ID).Msg("stubserver.shutdown requested")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			log.Error().Err(err).Str("id", s.cfg.ID).Msg("stubserver.shutdown failed")
		}
	}()
}

// request holds what every annotation-style endpoint reads from the call.
type request struct {
	props map[string]string
	text  string
}

func (s *Server) readRequest(c *gin.Context) (request, bool) {
	req := request{props: map[string]string{}}
	if raw := c.Query("properties"); raw != "" {
		var props map[string]any
		if err := jsoncodec.Unmarshal([]byte(raw), &props); err != nil {
			c.String(http.StatusBadRequest, "invalid properties: %v", err)
			return req, false
		}
		for k, v := range props {
			switch tv := v.(type) {
			case string:
				req.props[k] = tv
			default:
				b, _ := jsoncodec.Marshal(tv)
				req.props[k] = string(b)
			}
		}
	}
	if lang := c.Query("pipelineLanguage"); lang != "" {
		req.props["pipelineLanguage"] = lang
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.MaxBodySize+1))
	if err != nil {
		c.String(http.StatusBadRequest, "read body: %v", err)
		return req, false
	}
	if int64(len(body)) > s.cfg.MaxBodySize {
		c.String(http.StatusRequestEntityTooLarge, "input exceeds %d bytes", s.cfg.MaxBodySize)
		return req, false
	}
	req.text = string(body)

	if raw := req.props[PropertyDelay]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid %s: %v", PropertyDelay, err)
			return req, false
		}
		select {
		case <-time.After(d):
		case <-c.Request.Context().Done():
			c.Status(http.StatusServiceUnavailable)
			return req, false
		}
	}
	return req, true
}

func (s *Server) handleAnnotate(c *gin.Context) {
	req, ok := s.readRequest(c)
	if !ok {
		return
	}
	doc, ok := s.run(c, req)
	if !ok {
		return
	}

	format := strings.ToLower(req.props["outputFormat"])
	if format == "" {
		format = "json"
	}
	switch format {
	case "json":
		body, err := jsoncodec.Marshal(doc)
		if err != nil {
			c.String(http.StatusInternalServerError, "%v", err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	case "text":
		c.String(http.StatusOK, "%s", renderText(doc))
	case "conll", "conllu":
		c.String(http.StatusOK, "%s", renderConll(doc))
	case "tagged":
		c.String(http.StatusOK, "%s", renderTagged(doc))
	case "serialized":
		payload, err := document.Marshal(doc)
		if err != nil {
			c.String(http.StatusInternalServerError, "%v", err)
			return
		}
		c.Data(http.StatusOK, "application/x-protobuf", frame.EncodeDelimited(payload))
	default:
		c.String(http.StatusInternalServerError, "%v: %q", ErrUnknownFormat, format)
	}
}

func (s *Server) handlePattern(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		c.String(http.StatusBadRequest, "missing pattern")
		return
	}
	req, ok := s.readRequest(c)
	if !ok {
		return
	}
	doc, ok := s.run(c, req)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"sentences": matchTokens(doc, pattern)})
}

func (s *Server) run(c *gin.Context, req request) (*document.Document, bool) {
	annotators := req.props["annotators"]
	if strings.TrimSpace(annotators) == "" {
		annotators = "tokenize,ssplit"
	}
	p, err := newPipeline(annotators)
	if err != nil {
		log.Warn().Err(err).Str("id", s.cfg.ID).Msg("stubserver.annotate rejected")
		c.String(http.StatusInternalServerError, "%v", err)
		return nil, false
	}
	return p.annotate(req.props["docid"], req.text), true
}
