package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/campuscreators/chatfeed/internal/chat"
	"github.com/campuscreators/chatfeed/internal/config"
	"github.com/campuscreators/chatfeed/internal/db"
	myMiddleware "github.com/campuscreators/chatfeed/internal/middleware"
	"github.com/campuscreators/chatfeed/internal/user"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

// userStore is what both user repositories provide.
type userStore interface {
	user.Store
	chat.Users
}

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	cfg, err := config.Load(viper.New())
	if err != nil {
		jww.FATAL.Fatalf("❌ %v", err)
	}
	config.InitLog(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		jww.FATAL.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	jww.INFO.Println("✅ Connected to Redis")

	// 3. Pick the store
	var (
		chatStore chat.Store
		users     userStore
	)
	switch cfg.Store {
	case config.StoreMemory:
		chatStore = chat.NewMemoryStore()
		users = user.NewMemoryRepository()
		jww.WARN.Println("⚠️ Using the in-memory store, nothing survives a restart")

	default:
		database, err := db.NewDatabase(cfg.DBDSN)
		if err != nil {
			jww.FATAL.Fatalf("❌ Failed to connect to DB: %v", err)
		}
		defer database.Close()
		jww.INFO.Println("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(); err != nil {
			jww.FATAL.Fatalf("❌ Migration failed: %v", err)
		}
		jww.INFO.Println("✅ Database Schema Initialized")

		// Hub fans Redis change announcements out to this instance's live queries
		hub := chat.NewHub(redisClient)
		go hub.Run(ctx)
		go hub.SubscribeToRedis(ctx)

		chatStore = chat.NewRepository(database.Conn, hub, cfg.ResyncInterval)
		users = user.NewRepository(database.Conn)
	}

	// 4. Initialize User Feature
	userService := user.NewService(users, cfg.JWTSecret, cfg.AdminUsers)
	userHandler := user.NewHandler(userService)

	// 5. Initialize Chat Feature
	notifier := chat.NewRedisNotifier(redisClient, cfg.NotifyRate)
	chatService := chat.NewService(chatStore, users, notifier, chat.Options{
		PageSize:     cfg.PageSize,
		FetchTimeout: cfg.FetchTimeout,
	})
	chatHandler := chat.NewHandler(chatService)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		chatHandler.Routes(r)
	})

	srv := &http.Server{Addr: *addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	jww.INFO.Printf("🚀 Server starting on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		jww.FATAL.Fatal(err)
	}
	jww.INFO.Println("👋 Server stopped")
}
