package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard-api/api"
	"taskboard-api/domain"
	"taskboard-api/identity"
	"taskboard-api/realtime"
	"taskboard-api/storage"
)

func main() {
	godotenv.Load()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tables := storage.Tables{
		Tasks:         os.Getenv("TASKS_TABLE"),
		Notifications: os.Getenv("NOTIFICATIONS_TABLE"),
		Audit:         os.Getenv("AUDIT_TABLE"),
		Users:         os.Getenv("USERS_TABLE"),
		AuditQueue:    os.Getenv("AUDIT_QUEUE"),
	}
	if connStr == "" || tables.Tasks == "" || tables.Notifications == "" ||
		tables.Audit == "" || tables.Users == "" || tables.AuditQueue == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tables)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		log.Fatal("missing REDIS_ADDR")
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})

	secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	if secret == "" {
		log.Fatal("missing LOCAL_AUTH_SHARED_SECRET")
	}

	var auth *api.Auth
	if jwtDomain := os.Getenv("AUTH0_DOMAIN"); jwtDomain != "" {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		if jwtAudience == "" {
			log.Fatal("missing AUTH0_AUDIENCE")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", jwtDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+jwtDomain+"/")
	} else {
		auth = api.NewAuth(nil, "", "")
	}

	eventsChannel := os.Getenv("EVENTS_CHANNEL")
	if eventsChannel == "" {
		eventsChannel = "taskboard:events"
	}

	ctx := context.Background()

	bus := realtime.NewBroadcaster(eventsChannel)
	bus.Init(rdb)
	hub := realtime.NewHub(logger)
	go realtime.SubscribeEvents(ctx, logger, rdb, eventsChannel, hub)

	auditWriter := storage.NewAuditWriter(store, logger)
	go auditWriter.Run(ctx)

	cacheTTL := 30 * time.Second
	if val, ok := os.LookupEnv("TASK_CACHE_TTL_SECONDS"); ok {
		secs, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid TASK_CACHE_TTL_SECONDS: %v", err)
		}
		cacheTTL = time.Duration(secs) * time.Second
	}
	taskStore := storage.NewCache(store, rdb, cacheTTL)

	deduper := storage.NewRedisAssignmentDeduper(rdb, time.Minute)
	notifications := domain.NewNotificationService(store, bus, deduper, logger)
	tasks := domain.NewTaskService(taskStore, bus, notifications, logger)
	ident := identity.NewService(store, []byte(secret), logger)

	e := echo.New()
	corsOrigins := []string{"*"}
	if val, ok := os.LookupEnv("CORS_ORIGINS"); ok {
		corsOrigins = []string{val}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     corsOrigins,
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
	}))

	api.Register(e, tasks, notifications, ident, auth, realtime.Handler(hub, corsOrigins, logger), logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}
