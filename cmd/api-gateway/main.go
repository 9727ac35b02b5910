package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/conduit/cmd/api-gateway/middleware"
	"github.com/lgulliver/conduit/cmd/api-gateway/routes"
	apitypes "github.com/lgulliver/conduit/cmd/api-gateway/types"
	"github.com/lgulliver/conduit/internal/auth"
	"github.com/lgulliver/conduit/internal/common"
	guard "github.com/lgulliver/conduit/internal/middleware"
	"github.com/lgulliver/conduit/internal/policy"
	"github.com/lgulliver/conduit/internal/session"
	"github.com/lgulliver/conduit/internal/storage"
	"github.com/lgulliver/conduit/internal/upload"
	"github.com/lgulliver/conduit/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const serviceName = "conduit-api-gateway"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("api gateway stopped")
	}
}

func run(ctx context.Context) error {
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	log.Info().Msg("Starting Conduit API Gateway")

	// A broken policy must stop the process rather than serve with guesses
	uploadPolicy, err := policy.Parse(cfg.Upload)
	if err != nil {
		return fmt.Errorf("invalid upload configuration: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	blobStorage, err := storage.NewStorageFactory(&cfg.Storage).CreateStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	backend, closeBackend, err := newSessionBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	sessions := session.NewStore(backend)
	uploadService := upload.NewService(uploadPolicy, blobStorage, sessions)
	authService := auth.NewService(&cfg.Auth)

	router := setupRouter(cfg, uploadPolicy, authService, uploadService, sessions, blobStorage)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		log.Info().Msg("Server shutdown complete")
		return nil
	})

	return eg.Wait()
}

// newSessionBackend picks where session records live. Serialization stays in
// process, so each owner must be served by a single replica.
func newSessionBackend(cfg *config.Config) (session.Backend, func(), error) {
	switch strings.ToLower(cfg.Upload.SessionBackend) {
	case "", "memory":
		return session.NewMemoryBackend(), func() {}, nil
	case "database":
		db, err := common.NewDatabase(&cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return session.NewGormBackend(db), closer(db, "database"), nil
	case "redis":
		cache, err := common.NewCache(&cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return session.NewRedisBackend(cache), closer(cache, "redis"), nil
	default:
		return nil, nil, fmt.Errorf("unsupported session backend: %s", cfg.Upload.SessionBackend)
	}
}

func closer(c io.Closer, name string) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("backend", name).Msg("failed to close session backend")
		}
	}
}

func setupRouter(
	cfg *config.Config,
	uploadPolicy *policy.Policy,
	authService *auth.Service,
	uploadService routes.UploadServiceInterface,
	sessions routes.SessionStoreInterface,
	blobStorage storage.MultipartStorage,
) *gin.Engine {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(guard.RequestLogger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(uploadPolicy, cfg.Server.PublicURL))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, apitypes.HealthResponse{
			Status:  "healthy",
			Service: serviceName,
			Time:    time.Now().UTC(),
		})
	})

	api := router.Group("/api/v2")
	routes.UploadRoutes(api, uploadService,
		middleware.AuthMiddleware(authService, cfg.Auth.CookieName),
		guard.OriginGuardMiddleware(uploadPolicy, cfg.Server.PublicURL))

	routes.InternalSessionRoutes(router, sessions, cfg.Auth.InternalToken)

	if local, ok := blobStorage.(*storage.LocalStorage); ok {
		log.Warn().Msg("local storage in use; part bodies will be received by this process")
		routes.LocalUploadRoutes(router, local)
	}

	return router
}

// corsMiddleware reflects allowed browser origins. Credentials are allowed, so
// the wildcard origin is never sent.
func corsMiddleware(uploadPolicy *policy.Policy, publicURL string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(uploadPolicy.AllowedOrigins)+1)
	for _, origin := range uploadPolicy.AllowedOrigins {
		allowed[origin] = struct{}{}
	}
	if publicURL != "" {
		allowed[strings.TrimRight(publicURL, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := allowed[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Content-MD5, Authorization, "+guard.CSRFHeader)
			c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
			c.Header("Access-Control-Expose-Headers", "ETag")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
