package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"llamaswitch/proxy"
	"llamaswitch/proxy/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		host        string
		port        int
		defaultCtx  int
		configPath  string
		watchConfig bool
		showVersion bool
	)

	flag.StringVar(&host, "host", "localhost", "host for the API server and spawned backends")
	flag.IntVar(&port, "port", 11435, "port for the API server")
	flag.IntVar(&defaultCtx, "ctx", 4096, "default context size for backends")
	flag.StringVar(&configPath, "config", "config.yaml", "path to the model mapping file")
	flag.BoolVar(&watchConfig, "watch", false, "reload the model mapping when the file changes")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("llamaswitch %s (%s) built %s\n", version, commit, date)
		return
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	monitor := config.NewMonitor(configPath, logger)
	defer monitor.Close()

	if watchConfig {
		if err := monitor.Watch(); err != nil {
			logger.Fatal().Err(err).Str("path", configPath).Msg("cannot watch config")
		}
	}

	state := proxy.NewServiceState(host, defaultCtx)
	pm := proxy.New(monitor, state, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: pm,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	pm.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
}
