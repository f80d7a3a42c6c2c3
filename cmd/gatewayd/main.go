// Command gatewayd runs the completion gateway server and its companion
// config-validation/version utilities.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ferro-labs/completion-core/internal/admin"
	"github.com/ferro-labs/completion-core/internal/adapters"
	"github.com/ferro-labs/completion-core/internal/circuitbreaker"
	"github.com/ferro-labs/completion-core/internal/fallback"
	"github.com/ferro-labs/completion-core/internal/logging"
	"github.com/ferro-labs/completion-core/internal/observability"
	"github.com/ferro-labs/completion-core/internal/orchestrator"
	"github.com/ferro-labs/completion-core/internal/registry"
	"github.com/ferro-labs/completion-core/internal/reranker"
	"github.com/ferro-labs/completion-core/internal/router"
	"github.com/ferro-labs/completion-core/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "Multi-provider chat-completion gateway",
	}
	root.AddCommand(newServeCmd(), newValidateConfigCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return nil
		},
	}
}

func newValidateConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a registry document without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
			reg := registry.New(logging.Logger)
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			if err := reg.Load(configPath); err != nil {
				return fmt.Errorf("load registry: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registry ok: %d model(s), %d provider(s), %d route(s)\n",
				len(reg.AllModels()), len(reg.ProviderNames()), len(reg.Routes()))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("GATEWAY_CONFIG"), "path to the registry document (yaml/json)")
	return cmd
}

func newServeCmd() *cobra.Command {
	var (
		configPath   string
		addr         string
		obsDSN       string
		obsDialect   string
		keyStoreKind string
		keyStoreDSN  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, addr, obsDialect, obsDSN, keyStoreKind, keyStoreDSN)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("GATEWAY_CONFIG"), "path to the registry document (yaml/json)")
	cmd.Flags().StringVar(&addr, "addr", envOr("ADDR", ":8080"), "listen address")
	cmd.Flags().StringVar(&obsDialect, "observability-dialect", envOr("OBSERVABILITY_DIALECT", "sqlite"), "observability store backend: sqlite or postgres")
	cmd.Flags().StringVar(&obsDSN, "observability-dsn", os.Getenv("OBSERVABILITY_DSN"), "observability store DSN (sqlite file path or postgres connection string)")
	cmd.Flags().StringVar(&keyStoreKind, "key-store", envOr("KEY_STORE", "memory"), "API key store backend: memory, sqlite, or postgres")
	cmd.Flags().StringVar(&keyStoreDSN, "key-store-dsn", os.Getenv("KEY_STORE_DSN"), "API key store DSN (sqlite file path or postgres connection string); ignored for memory")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// oauth2CredentialAdapter wraps adapters.OAuth2CredentialResolver (which
// resolves a bearer token against a fixed client-credentials endpoint, with
// no per-provider config) so it satisfies registry.CredentialResolver.
type oauth2CredentialAdapter struct {
	resolver *adapters.OAuth2CredentialResolver
}

func (a oauth2CredentialAdapter) ResolveCredential(provider string, cfg registry.ProviderConfig) (string, error) {
	return a.resolver.ResolveCredential(context.Background())
}

func serve(configPath, addr, obsDialect, obsDSN, keyStoreKind, keyStoreDSN string) error {
	logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	log := logging.Logger

	reg := registry.New(log)
	if configPath != "" {
		if err := reg.Load(configPath); err != nil {
			return fmt.Errorf("load registry: %w", err)
		}
	} else {
		reg.LoadDefault()
		log.Warn("GATEWAY_CONFIG not set; running with the built-in default registry")
	}

	if oauthProvider := os.Getenv("OAUTH2_CREDENTIAL_PROVIDER"); oauthProvider != "" {
		resolver := adapters.NewOAuth2CredentialResolver(
			os.Getenv("OAUTH2_TOKEN_URL"), os.Getenv("OAUTH2_CLIENT_ID"), os.Getenv("OAUTH2_CLIENT_SECRET"), nil,
		)
		reg.RegisterResolver(oauthProvider, oauth2CredentialAdapter{resolver: resolver})
		log.Info("registered oauth2 credential resolver", "provider", oauthProvider)
	}

	var obsStore *observability.Store
	var err error
	switch obsDialect {
	case "postgres":
		obsStore, err = observability.NewPostgresStore(obsDSN)
	default:
		obsStore, err = observability.NewSQLiteStore(obsDSN)
	}
	if err != nil {
		return fmt.Errorf("open observability store: %w", err)
	}
	defer obsStore.Close()

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultFailureThreshold, circuitbreaker.DefaultCooldown)
	rt := router.New(reg, router.CharDiv4Estimator{})
	rr := reranker.New(reranker.DefaultParams())
	executor := fallback.New(reg, reg, adapters.NewFactory(), breakers)
	orch := orchestrator.New(rt, rr, executor, obsStore, breakers, reranker.InjectSystem)

	var keys admin.Store
	switch keyStoreKind {
	case "sqlite":
		keys, err = admin.NewSQLiteStore(keyStoreDSN)
	case "postgres":
		keys, err = admin.NewPostgresStore(keyStoreDSN)
	default:
		keys = admin.NewKeyStore()
	}
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	if bootstrapName := os.Getenv("BOOTSTRAP_ADMIN_KEY_NAME"); bootstrapName != "" {
		key, err := keys.Create(bootstrapName, []string{admin.ScopeAdmin}, nil)
		if err != nil {
			log.Warn("failed to create bootstrap admin key", "error", err)
		} else {
			log.Info("bootstrap admin key created", "id", key.ID, "key", key.Key)
		}
	}

	handlers := &admin.Handlers{
		Keys:     keys,
		Gateway:  orch,
		Obs:      obsStore,
		Breakers: breakers,
		Models:   reg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	r.Handle("/internal/metrics", promhttp.Handler())
	r.Mount("/", handlers.Routes())

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	log.Info("gatewayd listening", "version", version.Short(), "addr", addr, "models", len(reg.AllModels()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("server stopped")
	return nil
}
