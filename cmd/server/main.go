/**
 * @description
 * This is the main entry point for the loyalty-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, message brokers, repositories, the rules engines, the background
 * scheduler, and the HTTP server. It wires everything together and starts the
 * service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/stellarloyalty/loyalty-service/internal/api"
	"github.com/stellarloyalty/loyalty-service/internal/app"
	"github.com/stellarloyalty/loyalty-service/internal/config"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
	"github.com/stellarloyalty/loyalty-service/internal/store"
	"github.com/stellarloyalty/loyalty-service/pkg/rabbitmq"
)

func main() {
	// Load a local .env file when present. Environment variables win.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting loyalty-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high event throughput.
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

	// Initialize the RabbitMQ producer to publish engine events.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		producer = eventProducer
		defer eventProducer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Optional Redis connection for redeem rate limiting.
	var redisClient *redis.Client
	if cfg.RedeemRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; redeem rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; redeem rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; redeem rate limiting disabled\" err=%v", pingErr)
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

	// Initialize the engines.
	streaks := app.NewStreakProcessor(repository, producer, time.Duration(cfg.RuleCacheTTLSeconds)*time.Second)
	progression := app.NewProgressionEvaluator(repository, producer)
	webhooks := app.NewWebhookClient(time.Duration(cfg.WebhookTimeoutSeconds) * time.Second)
	redemptions := app.NewRedemptionService(repository, webhooks, cfg.WebhookRetryCap)

	var limiter api.RateLimiter
	if redisClient != nil {
		limiter = app.NewRedisRedeemRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Background jobs: at-risk sweep and webhook redrive.
	jobLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(repository, redemptions, jobLogger, time.Duration(cfg.WebhookRedriveStaleMins)*time.Minute)
	scheduler := app.NewScheduler(jobs, jobLogger, app.SchedulerConfig{
		AtRiskSweepSchedule:    cfg.AtRiskSweepSchedule,
		WebhookRedriveSchedule: cfg.WebhookRedriveSchedule,
	})
	scheduler.Start()
	defer scheduler.Stop()

	// Wire up the activity consumer: every inbound event goes through both the
	// streak processor and the progression evaluator.
	activityConsumer := app.NewActivityConsumer(streaks, progression)

	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	activityBindings := map[string]rabbitmq.ActivityHandler{
		domain.EventActivityTracked: activityConsumer.HandleEvent,
	}

	if err := rabbitConsumer.ConsumeActivity(cfg.EventExchange, cfg.ActivityEventQueue, activityBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"activity consumer start failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"activity consumer started\" queue=%s exchange=%s", cfg.ActivityEventQueue, cfg.EventExchange)

	// Initialize the API handlers and router.
	handlers := api.NewLoyaltyHandlers(redemptions, producer, cfg.EventExchange, limiter, cfg.RedeemRateLimitPerMinute)
	router := api.LoyaltyRoutes(handlers, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server failed\" err=%v", err)
		}
	}()

	// Block until a termination signal arrives, then drain gracefully.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("level=info component=bootstrap msg=\"shutdown signal received\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"graceful shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=bootstrap msg=\"loyalty-service stopped\"")
}
