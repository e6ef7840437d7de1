package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/wrenchworks/shopops/libs/config"
	"github.com/wrenchworks/shopops/libs/db"
	"github.com/wrenchworks/shopops/libs/httpx"
	"github.com/wrenchworks/shopops/libs/kafkax"
	otelx "github.com/wrenchworks/shopops/libs/otel"
	"github.com/wrenchworks/shopops/libs/runtime"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/bays"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/cache"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/consumer"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/handlers"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/inbox"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/outbox"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	outboxRepo := outbox.NewRepository(pool)
	scheduleRepo := storage.NewScheduleRepository(pool, outboxRepo)
	blockedRepo := storage.NewBlockedDateRepository(pool)
	bookingRepo := storage.NewBookingRepository(pool)
	bayRepo := storage.NewBayRepository(pool)
	allocator := bays.NewAllocator(bayRepo, scheduleRepo)
	emitter := outbox.NewEmitter(pool, outboxRepo)

	var rdb *redis.Client
	var availCache *cache.AvailabilityCache
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		availCache = cache.NewAvailabilityCache(rdb, config.Duration("AVAILABILITY_CACHE_TTL", 3*time.Second))
	}

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	inboxRepo := inbox.NewRepository(pool)
	if topic := config.String("KAFKA_WORKORDER_TOPIC", "workorder.status.changed.v1"); strings.TrimSpace(topic) != "" && config.String("KAFKA_BROKERS", "") != "" {
		workOrderConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "scheduling-service"),
			Topic:   topic,
		}, workOrderEventHandler(logger, allocator, emitter))
		go workOrderConsumer.Run(ctx)
	}

	availabilityHandler := handlers.NewAvailabilityHandler(scheduleRepo, blockedRepo, bookingRepo, availCache, logger)
	scheduleHandler := handlers.NewScheduleHandler(scheduleRepo, logger)
	blockedHandler := handlers.NewBlockedDateHandler(blockedRepo, logger)
	bookingHandler := handlers.NewBookingHandler(bookingRepo, blockedRepo, outboxRepo, availCache, logger)
	bayHandler := handlers.NewBayHandler(allocator, emitter, logger)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if brokers := config.String("KAFKA_BROKERS", ""); brokers != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	if rdb != nil {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	}

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.HandleFunc("/api/v1/availability", availabilityHandler.Get)
	mux.HandleFunc("/api/v1/schedule", scheduleHandler.Handle)
	mux.HandleFunc("/api/v1/blocked-dates", blockedHandler.Handle)
	mux.HandleFunc("/api/v1/bookings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			bookingHandler.Create(w, r)
			return
		}
		bookingHandler.List(w, r)
	})
	mux.HandleFunc("/api/v1/bookings/cancel", bookingHandler.Cancel)
	mux.HandleFunc("/api/v1/bays", bayHandler.Occupancy)
	mux.HandleFunc("/api/v1/bays/assign", bayHandler.Assign)
	mux.HandleFunc("/api/v1/bays/release", bayHandler.Release)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
	}
	if origins := config.String("ALLOWED_ORIGINS", ""); origins != "" {
		middlewares = append(middlewares, httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: strings.Split(origins, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", "X-Shop-Id", "Idempotency-Key"},
			MaxAge:         10 * time.Minute,
		}))
	}
	if rdb != nil {
		limiter := httpx.NewRedisRateLimiter(rdb,
			config.Int("RATE_LIMIT_PER_MINUTE", 120),
			time.Minute,
			"scheduling",
		)
		middlewares = append(middlewares, limiter.Middleware(logger, true))
	} else {
		// Single-instance deployments without Redis still get a limiter.
		limiter := httpx.NewRateLimiter(config.Int("RATE_LIMIT_PER_MINUTE", 120), time.Minute)
		middlewares = append(middlewares, limiter.Middleware())
	}

	httpHandler := httpx.Chain(mux, middlewares...)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// workOrderEventHandler drives bay occupancy from work-order state
// transitions instead of anything re-scanning job lists: in_progress claims
// a bay, completion or cancellation frees it.
func workOrderEventHandler(logger *slog.Logger, allocator *bays.Allocator, emitter *outbox.Emitter) consumer.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			ShopID      string `json:"shop_id"`
			WorkOrderID string `json:"work_order_id"`
			Status      string `json:"status"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid work order event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if payload.ShopID == "" || payload.WorkOrderID == "" {
			logger.Error("missing required work order event fields", "topic", msg.Topic)
			return nil
		}

		switch payload.Status {
		case "in_progress":
			index, err := allocator.Assign(ctx, payload.ShopID, payload.WorkOrderID)
			if err != nil {
				if errors.Is(err, bays.ErrExhausted) {
					// The work-order service owns queueing; we only report.
					logger.Warn("no free bay for work order",
						"shop_id", payload.ShopID, "work_order_id", payload.WorkOrderID)
					return nil
				}
				return err
			}
			emitBayEvent(ctx, logger, emitter, outbox.EventBayAssigned, payload.ShopID, payload.WorkOrderID, index)
		case "completed", "cancelled":
			index, held, err := allocator.Release(ctx, payload.ShopID, payload.WorkOrderID)
			if err != nil {
				return err
			}
			if held {
				emitBayEvent(ctx, logger, emitter, outbox.EventBayReleased, payload.ShopID, payload.WorkOrderID, index)
			}
		}
		return nil
	}
}

func emitBayEvent(ctx context.Context, logger *slog.Logger, emitter *outbox.Emitter, eventType, shopID, workOrderID string, index int) {
	payload, err := json.Marshal(map[string]any{
		"shop_id":       shopID,
		"work_order_id": workOrderID,
		"bay_index":     index,
	})
	if err != nil {
		logger.Error("failed to build bay event payload", "err", err)
		return
	}
	if err := emitter.Emit(ctx, outbox.Event{
		AggregateType: "bay",
		AggregateID:   workOrderID,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		logger.Error("failed to record bay event", "err", err, "event_type", eventType)
	}
}
