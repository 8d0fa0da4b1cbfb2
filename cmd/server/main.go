// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/mafia/internal/auth"
	"github.com/jason-s-yu/mafia/internal/cache"
	"github.com/jason-s-yu/mafia/internal/config"
	"github.com/jason-s-yu/mafia/internal/database"
	"github.com/jason-s-yu/mafia/internal/docstore"
	"github.com/jason-s-yu/mafia/internal/handlers"
	"github.com/jason-s-yu/mafia/internal/middleware"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

// postgresDocID names the row holding the tree in the Postgres backend.
const postgresDocID = "mafia"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logger := cfg.NewLogger()
	signer := auth.NewSigner(cfg.StoreSecret, cfg.StoreTokenTTL)

	// `server token SUBJECT [ro]` prints a connection token and exits.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printToken(signer, os.Args[2:]); err != nil {
			logger.Fatal(err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("store backend: %v", err)
	}
	defer backend.Close()
	if !signer.Enabled() {
		logger.Warn("STORE_SECRET is empty, the store accepts any connection")
	}

	sessions := &handlers.Sessions{}
	mux := http.NewServeMux()
	mux.Handle("/store/ws", middleware.LogMiddleware(logger)(
		handlers.StoreWSHandler(logger, backend, signer, sessions),
	))
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		if !backend.Connected(r.Context()) {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("."))
	})

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("shutdown: %v", err)
		}
		// store sockets are hijacked, so Shutdown returns without them
		if err := sessions.Wait(shutdownCtx); err != nil {
			logger.Warnf("store sessions still open at exit: %v", err)
		}
	}()

	logger.Infof("Running on %s with the %s backend", srv.Addr, cfg.Backend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server exited: %v", err)
	}
	<-drained
}

// openBackend builds the store the server serves from.
func openBackend(ctx context.Context, cfg config.Config, logger *logrus.Logger) (docstore.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		rdb, err := cache.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		logger.Infof("Connected to Redis at %s", cfg.Redis.Addr)
		return docstore.NewRedisStore(rdb, cfg.RedisPrefix, logger), nil
	case config.BackendPostgres:
		pool, err := database.ConnectDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to Postgres")
		return docstore.NewPostgresStore(ctx, pool, postgresDocID, logger)
	default:
		return docstore.NewMemory().Connect(), nil
	}
}

func printToken(signer *auth.Signer, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: server token SUBJECT [ro]")
	}
	token, err := signer.CreateToken(args[0], len(args) > 1 && args[1] == "ro")
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
