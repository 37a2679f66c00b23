package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/hireloop/mailwatch/internal/auth"
	"github.com/hireloop/mailwatch/internal/config"
	"github.com/hireloop/mailwatch/internal/credential"
	"github.com/hireloop/mailwatch/internal/directory"
	"github.com/hireloop/mailwatch/internal/ingest"
	"github.com/hireloop/mailwatch/internal/logging"
	"github.com/hireloop/mailwatch/internal/metrics"
	"github.com/hireloop/mailwatch/internal/natsjs"
	gmailprovider "github.com/hireloop/mailwatch/internal/providers/gmail"
	outlookprovider "github.com/hireloop/mailwatch/internal/providers/outlook"
	"github.com/hireloop/mailwatch/internal/queue"
	"github.com/hireloop/mailwatch/internal/subscription"
	syncpkg "github.com/hireloop/mailwatch/internal/sync"
	"github.com/hireloop/mailwatch/internal/watch"
	"github.com/hireloop/mailwatch/internal/webhook"
)

type watchRequest struct {
	Provider    string   `json:"provider" binding:"required"`
	PositionID  string   `json:"positionId" binding:"required"`
	ResourceIDs []string `json:"resourceIds"`
	RoundID     string   `json:"roundId"`
}

type unwatchRequest struct {
	Provider   string `json:"provider" binding:"required"`
	PositionID string `json:"positionId" binding:"required"`
}

func main() {
	configPath := os.Getenv("MAILWATCH_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, logCloser, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	metrics.Register()

	dirDB, err := directory.Open(cfg.Database.DirectoryPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open directory database")
	}
	defer dirDB.Close()

	registry, err := subscription.Open(cfg.Database.SubscriptionPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open subscription database")
	}
	defer registry.Close()

	publisher, err := natsjs.NewPublisher(cfg.Ingest.NATSURL, cfg.Ingest.Stream)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to NATS")
	}
	defer publisher.Close()
	if err := publisher.EnsureStream(); err != nil {
		log.Fatal().Err(err).Msg("ensure event stream")
	}

	sink, err := ingest.NewSpoolSink(cfg.Ingest.SpoolPath, publisher, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("create ingestion sink")
	}

	googleOAuth := &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailv1.GmailReadonlyScope},
	}
	microsoftOAuth := &oauth2.Config{
		ClientID:     cfg.Microsoft.ClientID,
		ClientSecret: cfg.Microsoft.ClientSecret,
		Endpoint:     microsoft.AzureADEndpoint(cfg.Microsoft.Tenant),
		Scopes:       []string{"offline_access", "https://graph.microsoft.com/Mail.Read"},
	}
	broker := credential.NewBroker(dirDB, googleOAuth, microsoftOAuth, *log)

	gmailEngine := gmailprovider.NewEngine(broker, registry, dirDB, sink, *log)
	outlookEngine := outlookprovider.NewEngine(broker, registry, dirDB, sink, *log)
	engines := map[subscription.Provider]syncpkg.Engine{
		subscription.ProviderGmail:   gmailEngine,
		subscription.ProviderOutlook: outlookEngine,
	}

	registrars := map[subscription.Provider]watch.Registrar{
		subscription.ProviderGmail:   gmailprovider.NewRegistrar(broker, cfg.Google.PubSubTopic, gmailEngine, *log),
		subscription.ProviderOutlook: outlookprovider.NewRegistrar(broker, cfg.Microsoft.NotificationURL, *log),
	}
	manager := watch.NewManager(registry, dirDB, registrars, *log)

	// One queue, constructed once and handed to the producers and the
	// single consumer.
	workQueue := queue.New()
	consumer := syncpkg.NewConsumer(workQueue, registry, engines, *log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go consumer.Run(ctx)
	go manager.RunRenewalSweep(ctx, cfg.Watch.SweepInterval, cfg.Watch.RenewalWindow)

	r := gin.Default()

	hooks := webhook.NewHandler(workQueue, registry, *log)
	r.POST("/push/gmail", hooks.Gmail)
	r.GET("/push/outlook", hooks.Outlook)
	r.POST("/push/outlook", hooks.Outlook)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Monitoring.PrometheusEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	if cfg.Auth.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(cfg.Auth.JWKSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("init JWT verifier")
		}
		registerWatchAPI(r, verifier, manager, registry, log)
	} else {
		log.Warn().Msg("auth.jwks_url not set, watch management API disabled")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: r,
	}

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
}

func registerWatchAPI(r *gin.Engine, verifier *auth.JWTVerifier, manager *watch.Manager, registry *subscription.Store, log *zerolog.Logger) {
	authorized := r.Group("/")
	authorized.Use(verifier.Middleware())

	authorized.POST("/watch", func(c *gin.Context) {
		var req watchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		provider, err := parseProvider(req.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user := auth.UserFrom(c)
		if err := manager.Watch(c.Request.Context(), user.ID, provider, req.PositionID, req.ResourceIDs, req.RoundID); err != nil {
			log.Error().Err(err).Str("user", user.ID).Msg("watch request failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	authorized.POST("/unwatch", func(c *gin.Context) {
		var req unwatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		provider, err := parseProvider(req.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user := auth.UserFrom(c)
		if err := manager.Unwatch(c.Request.Context(), user.ID, provider, req.PositionID); err != nil {
			log.Error().Err(err).Str("user", user.ID).Msg("unwatch request failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	authorized.GET("/watch", func(c *gin.Context) {
		user := auth.UserFrom(c)
		subs, err := registry.ListByUser(c.Request.Context(), user.ID)
		if err != nil {
			log.Error().Err(err).Str("user", user.ID).Msg("watch listing failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		type watchStatus struct {
			Provider       string    `json:"provider"`
			PositionID     string    `json:"positionId"`
			ResourceID     string    `json:"resourceId"`
			RoundID        string    `json:"roundId"`
			Email          string    `json:"email"`
			WatchExpiry    time.Time `json:"watchExpiry"`
			LastUpdated    time.Time `json:"lastUpdated"`
			ProcessedCount int64     `json:"processedCount"`
		}
		out := make([]watchStatus, 0, len(subs))
		for _, sub := range subs {
			out = append(out, watchStatus{
				Provider:       string(sub.Provider),
				PositionID:     sub.PositionID,
				ResourceID:     sub.ResourceID,
				RoundID:        sub.RoundID,
				Email:          sub.Email,
				WatchExpiry:    sub.WatchExpiry,
				LastUpdated:    sub.LastUpdated,
				ProcessedCount: sub.ProcessedCount,
			})
		}
		c.JSON(http.StatusOK, gin.H{"watches": out})
	})
}

func parseProvider(raw string) (subscription.Provider, error) {
	switch subscription.Provider(raw) {
	case subscription.ProviderGmail:
		return subscription.ProviderGmail, nil
	case subscription.ProviderOutlook:
		return subscription.ProviderOutlook, nil
	default:
		return "", fmt.Errorf("unknown provider %q", raw)
	}
}
