package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/auth"
	authPostgres "github.com/frahmantamala/fieldguard/internal/auth/postgres"
	"github.com/frahmantamala/fieldguard/internal/core/events"
	"github.com/frahmantamala/fieldguard/internal/encryption"
	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
	fieldaccessPostgres "github.com/frahmantamala/fieldguard/internal/fieldaccess/postgres"
	"github.com/frahmantamala/fieldguard/internal/keyprovider"
	"github.com/frahmantamala/fieldguard/internal/metrics"
	"github.com/frahmantamala/fieldguard/internal/transport"
	"github.com/frahmantamala/fieldguard/internal/transport/rest"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config      *internal.Config
	Logger      *slog.Logger
	DB          *sqlx.DB
	Gorm        *gorm.DB
	Metrics     *metrics.Metrics
	Bus         *events.EventBus
	Keys        keyprovider.Provider
	FieldAccess *fieldaccess.Service
	Encryption  *encryption.Service
	Auth        *auth.Service
}

func startHTTPServer() {
	cfg, lg := mustLoad()

	deps, err := initializeDependencies(context.Background(), cfg, lg)
	if err != nil {
		lg.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	fieldaccess.SubscribeAuditLog(deps.Bus, deps.FieldAccess)
	fieldaccess.SubscribeSecurityEvents(deps.Bus, deps.FieldAccess, lg)

	base := transport.NewBaseHandler(lg)
	authHandler := auth.NewHandler(base, deps.Auth)
	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, rest.Dependencies{
		Logger:      lg,
		DB:          deps.DB,
		Keys:        deps.Keys,
		Metrics:     deps.Metrics,
		MetricsPath: cfg.Observability.Metrics.Path,
		Auth:        authHandler,
		FieldAccess: fieldaccess.NewHandler(base, deps.FieldAccess),
		Encryption:  encryption.NewHandler(deps.Encryption, base),
		FLAC:        fieldaccess.NewMiddleware(deps.FieldAccess, fieldaccess.NewBusSink(deps.Bus), deps.Metrics, base),
		Cipher:      deps.Encryption,
		Resources: []rest.Resource{{
			Method:  http.MethodGet,
			Pattern: "/sessions",
			Handler: http.HandlerFunc(authHandler.Sessions),
			Access: fieldaccess.RouteConfig{
				EntityName:      fieldaccess.EntityRefreshToken,
				RequireSelfOnly: true,
				ListKey:         "data",
			},
		}},
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		lg.Info("starting HTTP server", "address", addr, "encryption", deps.Keys.Strategy())
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		lg.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			lg.Error("server shutdown error", "error", err)
		}
		if err := deps.Bus.Drain(ctx); err != nil {
			lg.Warn("audit events still in flight at shutdown", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	lg.Info("server stopped")
}

// initializeDependencies opens the database and builds every service. The key
// provider is built once here; bad key material stops the process.
func initializeDependencies(ctx context.Context, cfg *internal.Config, lg *slog.Logger) (*Dependencies, error) {
	db, err := initDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gdb, err := initGorm(db, lg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Observability.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	keys, err := keyprovider.New(ctx, keyprovider.Config{
		Strategy:     cfg.Encryption.Strategy,
		MasterKey:    cfg.Encryption.MasterKey,
		KMSKeyID:     cfg.Encryption.KMSKeyID,
		KMSRegion:    cfg.Encryption.KMSRegion,
		KMSEndpoint:  cfg.Encryption.KMSEndpoint,
		EnableTracer: cfg.Encryption.Tracing,
	}, m)
	if err != nil {
		_ = db.Close()
		return nil, internal.NewConfigurationError("failed to build key provider", err)
	}

	bus := events.NewEventBus(lg)

	tokens := auth.NewJWTTokenGenerator(
		cfg.Security.JWTSecret,
		cfg.Security.JWTRefreshSecret,
		cfg.Security.AccessTokenDuration,
		cfg.Security.RefreshTokenDuration,
		cfg.Security.Issuer,
	)
	tracker := auth.NewRefreshTokenTracker(
		authPostgres.NewRefreshTokenRepository(gdb),
		auth.NewTokenHasher(cfg.Security.BCryptCost),
		lg,
	)

	return &Dependencies{
		Config:  cfg,
		Logger:  lg,
		DB:      db,
		Gorm:    gdb,
		Metrics: m,
		Bus:     bus,
		Keys:    keys,
		FieldAccess: fieldaccess.NewService(
			fieldaccessPostgres.NewRuleRepository(gdb),
			fieldaccessPostgres.NewAccessLogRepository(gdb),
			lg,
		),
		Encryption: encryption.NewService(keys, lg,
			encryption.WithMetrics(m),
			encryption.WithConcurrency(cfg.Encryption.BatchConcurrency),
		),
		Auth: auth.NewService(tokens, tracker, bus, m, lg),
	}, nil
}

func (d *Dependencies) Close() {
	if err := d.DB.Close(); err != nil {
		d.Logger.Error("database close error", "error", err)
	}
}

// initDB opens the pgx pool shared by sqlx and gorm.
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return dbConn, nil
}

func initGorm(db *sqlx.DB, lg *slog.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if lg.Enabled(context.Background(), slog.LevelDebug) {
		level = gormlogger.Info
	}
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(level),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	return gdb, nil
}
