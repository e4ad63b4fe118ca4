package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"rdv-chat/internal/config"
	"rdv-chat/internal/db"
	"rdv-chat/internal/gateway"
	"rdv-chat/internal/logger"
	myMiddleware "rdv-chat/internal/middleware"
	"rdv-chat/internal/storage"
	"rdv-chat/internal/user"
)

func main() {
	cfg := config.LoadGateway()

	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()

	log := logger.New(cfg.LogMode)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Errorf("failed to connect to DB: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	log.Infof("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		log.Errorf("migration failed: %v", err)
		os.Exit(1)
	}

	// Fan-out: Redis when configured, in-process otherwise.
	var broker gateway.Broker
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			log.Errorf("failed to connect to Redis: %v", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		broker = gateway.NewRedisBroker(redisClient)
		log.Infof("connected to Redis at %s", cfg.Redis.Addr)
	} else {
		broker = gateway.NewLocalBroker()
		log.Infof("REDIS_ADDR not set, fan-out stays in this process")
	}

	// Attachments
	var files storage.FileStore
	if cfg.S3.Bucket != "" {
		files, err = storage.NewS3Store(ctx, storage.S3Config{
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Endpoint:  cfg.S3.Endpoint,
		})
		log.Infof("attachments go to s3://%s", cfg.S3.Bucket)
	} else {
		files, err = storage.NewDiskStore(cfg.UploadDir)
		log.Infof("attachments go to %s", cfg.UploadDir)
	}
	if err != nil {
		log.Errorf("failed to set up attachment storage: %v", err)
		os.Exit(1)
	}

	// Users
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	userHandler := user.NewHandler(userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService, cfg.Auth.Required)

	// Chat
	chatService := gateway.NewService(gateway.NewRepository(database.Conn), files, broker, cfg.MaxUploadBytes, log)
	hub := gateway.NewHub(log)
	chatHandler := gateway.NewHandler(hub, chatService, authMiddleware, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(myMiddleware.RequestLogger(log))
	r.Use(middleware.Recoverer)

	r.Post("/auth/register", userHandler.Register)
	r.Post("/auth/login", userHandler.Login)
	r.With(authMiddleware.Handle).Get("/users/{id}", userHandler.GetUser)
	chatHandler.Routes(r)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		return broker.Subscribe(gctx, hub.Deliver)
	})
	g.Go(func() error {
		log.Infof("gateway listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("gateway stopped: %v", err)
		os.Exit(1)
	}
	log.Infof("gateway stopped")
}
