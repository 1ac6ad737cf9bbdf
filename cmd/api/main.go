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

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/ovaphlow/pitchfork/service-identity/internal/account"
	"github.com/ovaphlow/pitchfork/service-identity/internal/config"
	"github.com/ovaphlow/pitchfork/service-identity/internal/connection"
	connrepo "github.com/ovaphlow/pitchfork/service-identity/internal/connection/repo"
	"github.com/ovaphlow/pitchfork/service-identity/internal/downstream"
	"github.com/ovaphlow/pitchfork/service-identity/internal/notify"
	"github.com/ovaphlow/pitchfork/service-identity/internal/router"
	"github.com/ovaphlow/pitchfork/service-identity/internal/telemetry"
	"github.com/ovaphlow/pitchfork/service-identity/internal/token"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/cache"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

const serviceName = "pitchfork-identity"

func main() {
	// load .env file if present so os.Getenv picks values from it
	// this is best-effort: if no .env exists, continue (use defaults or real env)
	_ = godotenv.Load()

	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	if err := run(sugar); err != nil {
		sugar.Errorw("service stopped with error", "err", err)
		_ = lg.Sync()
		os.Exit(1)
	}
	sugar.Info("goodbye")
}

func run(sugar *zap.SugaredLogger) error {
	cfg, err := config.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	sugar.Infow("starting "+serviceName, "addr", cfg.HTTPAddr)

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			sugar.Warnw("tracer shutdown failed", "err", err)
		}
	}()

	// init db
	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		return err
	}
	sqlDB, err := database.Connect(dbCfg)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer sqlDB.Close()
	if err := database.Migrate(ctx, sqlDB); err != nil {
		return err
	}
	// wrap with sqlx for convenience in repos
	sqlxDB := sqlx.NewDb(sqlDB, "postgres")

	// init cache
	redisCfg, err := cache.ConfigFromEnv()
	if err != nil {
		return err
	}
	rdb, err := cache.Connect(ctx, redisCfg)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer rdb.Close()
	projections := user.NewProjectionCache(cache.NewRedisCache(rdb))

	ids, err := utilities.NewIDGenerator(cfg.SnowflakeNode)
	if err != nil {
		return err
	}
	tokens, err := token.NewIssuer([]byte(cfg.JWTSecret), cfg.JWTTTL, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	var mailer notify.Dispatcher
	if cfg.SMTPHost != "" {
		mailer = notify.NewSMTPDispatcher(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		sugar.Warn("SMTP_HOST not set; emails are logged, not sent")
		mailer = notify.NewLogDispatcher(sugar)
	}
	tasks := notify.NewBackground(sugar, cfg.NotificationTimeout)

	accounts := userrepo.NewAccountRepo(sqlxDB)
	userSvc := user.NewService(user.Deps{
		Store:         accounts,
		Cache:         projections,
		Tokens:        tokens,
		Hasher:        user.BcryptHasher{Cost: 12},
		IDs:           ids,
		Mailer:        mailer,
		Tasks:         tasks,
		Catalog:       notify.NewCatalog(language.English),
		Logger:        sugar,
		AppURL:        cfg.AppURL,
		NotifyTimeout: cfg.NotificationTimeout,
	})
	connSvc := connection.NewService(connrepo.NewConnectionRepo(sqlxDB), sugar)

	participants := []account.Participant{account.Local("connections", connSvc.DeleteBySubject)}
	for _, c := range downstream.FromConfig(cfg, nil) {
		participants = append(participants, c)
	}
	saga := account.NewSaga(account.Deps{
		Store:        accounts,
		Cache:        projections,
		Participants: participants,
		CallTimeout:  cfg.DownstreamTimeout,
		Logger:       sugar,
	})

	// mount http server
	handler := router.RegisterRoutes(sugar, router.Handlers{
		Users:       user.NewHandler(userSvc, sugar),
		Connections: connection.NewHandler(connSvc, sugar),
		Accounts:    account.NewHandler(saga, sugar),
		Tokens:      tokens,
		Ready: func(ctx context.Context) error {
			return errors.Join(sqlDB.PingContext(ctx), rdb.Ping(ctx).Err())
		},
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// run server in background
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	sugar.Info("shutting down")

	// give a short grace period for cleanup
	doneCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// shutdown http server
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	// drain detached notifications
	if err := tasks.Wait(doneCtx); err != nil {
		sugar.Warnf("background notifications did not finish: %v", err)
	}
	return nil
}
