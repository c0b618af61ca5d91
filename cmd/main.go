/**
 * @description
 * This is the main entry point for the campaign-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient: Client for the ledger API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chipin/campaign-service/internal/api"
	"github.com/chipin/campaign-service/internal/app"
	"github.com/chipin/campaign-service/internal/config"
	"github.com/chipin/campaign-service/internal/store"
	"github.com/chipin/campaign-service/pkg/accountclient"
	"github.com/chipin/campaign-service/pkg/ledgerclient"
	cmrabbit "github.com/chipin/campaign-service/pkg/rabbitmq"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting campaign-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish campaign events. A broker
	// outage at boot degrades to a no-op publisher rather than failing the
	// whole service.
	var producer cmrabbit.Publisher
	rabbitProducer, err := cmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &cmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the ledger API.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey)

	// Initialize the client for the account-service. Missing account-service
	// config should not prevent campaign-service from booting; vault
	// provisioning will degrade.
	var accountClient *accountclient.Client
	if strings.TrimSpace(cfg.AccountServiceURL) == "" || strings.TrimSpace(cfg.AccountServiceInternalAPIKey) == "" {
		log.Printf("level=warn component=bootstrap msg=\"account-service client not configured; vault provisioning disabled\" account_service_url_set=%t account_service_internal_key_set=%t",
			strings.TrimSpace(cfg.AccountServiceURL) != "",
			strings.TrimSpace(cfg.AccountServiceInternalAPIKey) != "",
		)
	} else {
		accountClient = accountclient.NewClient(cfg.AccountServiceURL, cfg.AccountServiceInternalAPIKey)
	}

	var redisClient *redis.Client
	rateLimitingEnabled := cfg.ContributeRateLimitPerMinute > 0 || cfg.VoteRateLimitPerMinute > 0
	if rateLimitingEnabled {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies. A nil
	// *accountclient.Client must not be stored in the interface field, so the
	// service only receives it when configured.
	var vaultProvisioner app.VaultProvisioner
	if accountClient != nil {
		vaultProvisioner = accountClient
	}
	campaignService := app.NewService(repository, ledgerClient, vaultProvisioner, producer)
	if redisClient != nil {
		campaignService.SetRateLimiter(
			app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.ContributeRateLimitPerMinute,
			cfg.VoteRateLimitPerMinute,
		)
	}

	// Initialize the API handlers.
	campaignHandlers := api.NewCampaignHandlers(campaignService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.CampaignRoutes(campaignHandlers, cfg.AuthJWKSURL))

	// Wire up the refund worker: consume campaign.closed events so cancelled
	// campaigns pay their contributors back.
	refundWorker := app.NewRefundWorker(repository, ledgerClient)

	rabbitConsumer, err := cmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	refundBindings := map[string]func([]byte) bool{
		"campaign.closed": refundWorker.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings(app.CampaignEventsExchange, cfg.CampaignClosedQueue, refundBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"refund consumer start failed\" err=%v", err)
	}

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
