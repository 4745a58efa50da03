package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/rs-auth/internal/auth"
	"github.com/alexjbarnes/rs-auth/internal/authz"
	"github.com/alexjbarnes/rs-auth/internal/config"
	"github.com/alexjbarnes/rs-auth/internal/credentials"
	"github.com/alexjbarnes/rs-auth/internal/logging"
	"github.com/alexjbarnes/rs-auth/internal/models"
	"github.com/alexjbarnes/rs-auth/internal/server"
	"github.com/alexjbarnes/rs-auth/internal/state"
	"github.com/alexjbarnes/rs-auth/internal/tokenstore"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	password := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("rs-auth starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.Duration("login_token_timeout", cfg.LoginTokenTimeout()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	verifier, err := buildVerifier(gctx, g, cfg, logger)
	if err != nil {
		return err
	}

	backend, closeBackend, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	logins := tokenstore.New[bool](nil)
	defer logins.Stop()

	sessionStore := tokenstore.New[models.Session](nil)
	defer sessionStore.Stop()

	sessions := auth.NewSessions(sessionStore, logger)
	handshake := auth.NewHandshake(logins, verifier, sessions, auth.HandshakeConfig{
		Service:       cfg.AuthService,
		VerifyTimeout: cfg.VerifyTimeout,
	}, logger)
	registry := authz.NewRegistry(backend, nil, logger)
	flow := auth.NewFlow(handshake, sessions, registry, cfg.LoginTokenTimeout(), logger)

	httpServer := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Flow:      flow,
			Logger:    logger,
			StaticDir: cfg.StaticDir,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("listen", cfg.ListenAddr))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// buildVerifier assembles the configured credential sources. The users
// file, if any, is watched for changes inside g.
func buildVerifier(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger) (credentials.Chain, error) {
	var chain credentials.Chain

	users, err := cfg.ParseAuthUsers()
	if err != nil {
		return nil, err
	}

	if len(users) > 0 {
		chain = append(chain, credentials.NewStatic(users))
		logger.Info("static users loaded", slog.Int("users", len(users)))
	}

	if cfg.AuthUsersFile != "" {
		file, err := credentials.LoadFile(cfg.AuthUsersFile, logger)
		if err != nil {
			return nil, fmt.Errorf("loading users file: %w", err)
		}

		logger.Info("users file loaded",
			slog.String("path", cfg.AuthUsersFile),
			slog.Int("users", file.Len()),
		)

		chain = append(chain, file)

		g.Go(func() error {
			return file.Watch(ctx)
		})
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("no users configured")
	}

	return chain, nil
}

// openBackend returns the authorization record store and its closer.
func openBackend(cfg *config.Config, logger *slog.Logger) (authz.Backend, func(), error) {
	if cfg.AuthzDBPath == "" {
		msg := "AUTHZ_DB_PATH not set, authorizations will not survive a restart"
		if cfg.IsProduction() {
			logger.Warn(msg)
		} else {
			logger.Info(msg)
		}

		return authz.NewMemoryBackend(), func() {}, nil
	}

	st, err := state.LoadAt(cfg.AuthzDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening authorization database: %w", err)
	}

	logger.Info("authorization database opened", slog.String("path", cfg.AuthzDBPath))

	return st, func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing authorization database", slog.String("error", err.Error()))
		}
	}, nil
}
