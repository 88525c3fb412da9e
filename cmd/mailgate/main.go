package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/hexleaf/mailgate/internal/apikey"
	"github.com/hexleaf/mailgate/internal/authz"
	"github.com/hexleaf/mailgate/internal/billing"
	"github.com/hexleaf/mailgate/internal/catalog"
	"github.com/hexleaf/mailgate/internal/config"
	"github.com/hexleaf/mailgate/internal/credentials"
	"github.com/hexleaf/mailgate/internal/gateway"
	"github.com/hexleaf/mailgate/internal/logging"
	"github.com/hexleaf/mailgate/internal/metrics"
	"github.com/hexleaf/mailgate/internal/store"
	"github.com/hexleaf/mailgate/internal/upstream"
)

func main() {
	configPath := flag.String("config", "mailgate.yaml", "path to configuration file")
	flag.Parse()

	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open database")
	}

	cat := catalog.New()
	google := cfg.ProviderCredentials("google")
	cat.Register(catalog.GoogleProvider(google.ClientID, google.ClientSecret))
	microsoft := cfg.ProviderCredentials("microsoft")
	cat.Register(catalog.MicrosoftProvider(microsoft.ClientID, microsoft.ClientSecret))

	m := metrics.New()

	coordinator := credentials.New(st, cat, credentials.WithMetrics(m))
	resolver := apikey.NewResolver(st)
	keys := apikey.NewService(st, cat)
	billingClient := billing.New(
		cfg.Billing.BaseURL,
		cfg.Billing.Feature,
		cfg.Billing.TimeoutDuration(),
		cfg.Billing.CacheTTLDuration(),
	)
	if billingClient.Disabled() {
		log.Warn().Msg("billing base URL not configured, entitlement checks disabled")
	}
	enforcer := authz.NewEnforcer(cat, coordinator, billingClient, st, m)

	gw := gateway.New(gateway.Config{
		Catalog:     cat,
		Resolver:    resolver,
		Keys:        keys,
		Enforcer:    enforcer,
		Upstream:    upstream.NewClient(30 * time.Second),
		Coordinator: coordinator,
		Store:       st,
		Metrics:     m,
		AdminSecret: cfg.AdminSecret,
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().
		Str("listen", cfg.Listen).
		Int("providers", len(cat.All())).
		Msg("mailgate starting")

	if err := server.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
