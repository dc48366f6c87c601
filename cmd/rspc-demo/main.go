// Command rspc-demo serves a small example router over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tramston/rspc"
	"github.com/tramston/rspc/pubsub"
)

const version = "0.1.0"

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	configPath := flag.String("config", "", "path to a YAML options file")
	redisAddr := flag.String("redis", "", "Redis address for the event broker; in-memory when empty")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*addr, *configPath, *redisAddr, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(addr, configPath, redisAddr string, logger *slog.Logger) error {
	opts, err := rspc.LoadOptions(configPath)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	opts.Logger = logger
	opts.Registerer = reg

	var broker pubsub.Broker
	if redisAddr != "" {
		broker = pubsub.NewRedisBroker(redis.NewClient(&redis.Options{Addr: redisAddr}), "rspc-demo:")
	} else {
		broker = pubsub.NewMemoryBroker(pubsub.MemoryConfig{Logger: logger})
	}
	defer broker.Close()

	router, err := buildRouter(logger)
	if err != nil {
		return err
	}
	server := rspc.NewServer(router, contextFunc(broker, &UserStore{}), opts)
	server.OnConnect(func(ctx context.Context, conn *rspc.Conn) error {
		logger.Info("client connected", "conn_id", conn.ID(), "remote_addr", conn.RemoteAddr())
		return nil
	})
	server.OnDisconnect(func(ctx context.Context, conn *rspc.Conn) {
		logger.Info("client disconnected", "conn_id", conn.ID())
	})

	mux := http.NewServeMux()
	mux.Handle("/rspc/", http.StripPrefix("/rspc", server))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "websocket", "/rspc/ws")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("closing connections", "error", err)
	}
	return httpServer.Shutdown(shutdownCtx)
}
