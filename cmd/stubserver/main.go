package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/nlpctl/internal/config"
	"github.com/danmuck/nlpctl/internal/observability"
	"github.com/danmuck/nlpctl/internal/stubserver"
)

// Launch it from a client config with:
//
//	[launch]
//	command = "stubserver"
//	args = ["-addr", "{host}:{port}", "-shutdown-key", "{shutdown_key}"]
func main() {
	observability.InitLogger("stubserver")

	configPath := flag.String("config", "", "optional stub config path")
	addr := flag.String("addr", os.Getenv("STUB_ADDR"), "listen address")
	key := flag.String("shutdown-key", os.Getenv("STUB_SHUTDOWN_KEY"), "key required by /shutdown")
	flag.Parse()

	cfg := config.StubConfig{ID: "stubserver", Addr: "127.0.0.1:9000"}
	if *configPath != "" {
		loaded, err := config.LoadStubConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load stub config")
		}
		log.Info().Str("path", *configPath).Msg("loaded stub config")
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *key != "" {
		cfg.ShutdownKey = *key
	}
	if err := config.ValidateStubConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid stub config")
	}

	observability.TagServer(cfg.ID)
	server := stubserver.New(cfg.ServerConfig())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			log.Info().Str("signal", sig.String()).Msg("stubserver shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		case <-server.Stopped():
		}
	}()

	log.Info().Str("id", cfg.ID).Str("addr", cfg.Addr).Msg("stubserver started")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("stubserver stopped")
	}
}
