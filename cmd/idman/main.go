package main

import (
	"context"
	"database/sql"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gofiber/fiber/v2"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/idmanhq/idman"
	"github.com/idmanhq/idman/external"
)

type config struct {
	ListenAddr      string        `env:"IDMAN_LISTEN_ADDR" envDefault:":8580"`
	MetricsAddr     string        `env:"IDMAN_METRICS_ADDR" envDefault:":9108"`
	DSN             string        `env:"IDMAN_DSN" envDefault:"file:idman.db?cache=shared&_pragma=foreign_keys(1)"`
	SigningKey      string        `env:"IDMAN_SIGNING_KEY,required"`
	Issuer          string        `env:"IDMAN_ISSUER" envDefault:"idman"`
	TokenDomain     string        `env:"IDMAN_TOKEN_DOMAIN" envDefault:"idman.tokens"`
	SessionDuration time.Duration `env:"IDMAN_SESSION_DURATION" envDefault:"12h"`
	LoginURL        string        `env:"IDMAN_LOGIN_URL" envDefault:"/login"`
	Debug           bool          `env:"IDMAN_DEBUG" envDefault:"false"`

	ExternalClientID     string `env:"IDMAN_EXTERNAL_CLIENT_ID"`
	ExternalClientSecret string `env:"IDMAN_EXTERNAL_CLIENT_SECRET"`
	ExternalCallbackURL  string `env:"IDMAN_EXTERNAL_CALLBACK_URL"`
	ExternalAuthURL      string `env:"IDMAN_EXTERNAL_AUTH_URL"`
	ExternalTokenURL     string `env:"IDMAN_EXTERNAL_TOKEN_URL"`
	ExternalUserInfoURL  string `env:"IDMAN_EXTERNAL_USERINFO_URL"`
	ExternalJWKSetURL    string `env:"IDMAN_EXTERNAL_JWKS_URL"`
	ExternalIssuer       string `env:"IDMAN_EXTERNAL_ISSUER"`
}

func (c config) GetSigningKey() string             { return c.SigningKey }
func (c config) GetIssuer() string                 { return c.Issuer }
func (c config) GetTokenDomain() string            { return c.TokenDomain }
func (c config) GetSessionDuration() time.Duration { return c.SessionDuration }
func (c config) GetLoginURL() string               { return c.LoginURL }

func main() {
	if len(os.Args) > 1 && os.Args[1] != "serve" {
		if err := runAdmin(os.Args[1], os.Args[2:]); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		return err
	}

	logger := stdLogger{debug: cfg.Debug}

	sqldb, err := sql.Open(sqliteshim.ShimName, cfg.DSN)
	if err != nil {
		return err
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runMigrations(ctx, db); err != nil {
		return err
	}

	repo := idman.NewRepositoryManager(db, logger)
	repo.MustValidate()

	idman.RegisterMetrics()

	codec := idman.NewTokenCodec([]byte(cfg.SigningKey), cfg.Issuer, logger)
	tokens := idman.NewTokenManager(repo, codec, cfg, logger)

	providers := []idman.AuthenticationProvider{
		idman.NewPasswordProvider(repo, cfg, logger),
	}

	var externalClient *external.Client
	if cfg.ExternalClientID != "" {
		externalClient, err = external.New(external.Config{
			ClientID:     cfg.ExternalClientID,
			ClientSecret: cfg.ExternalClientSecret,
			CallbackURL:  cfg.ExternalCallbackURL,
			AuthURL:      cfg.ExternalAuthURL,
			TokenURL:     cfg.ExternalTokenURL,
			UserInfoURL:  cfg.ExternalUserInfoURL,
			JWKSetURL:    cfg.ExternalJWKSetURL,
			Issuer:       cfg.ExternalIssuer,
		})
		if err != nil {
			return err
		}
		defer externalClient.Close()

		providers = append(providers, idman.NewExternalProvider(externalClient, repo, cfg, logger))
	}

	registry := idman.NewProviderRegistry(providers...)

	app := fiber.New(fiber.Config{
		AppName:               "idman",
		DisableStartupMessage: !cfg.Debug,
	})

	oauth := idman.NewOAuth2Controller(repo, tokens, cfg, logger)
	oauth.Debug = cfg.Debug
	oauth.RegisterRoutes(app)

	authCtrl := idman.NewAuthController(repo, tokens, registry, cfg, logger)
	authCtrl.Debug = cfg.Debug
	if externalClient != nil {
		authCtrl.WithExternalClient(externalClient)
	}
	authCtrl.RegisterRoutes(app)

	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: idman.MetricsHandler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		_ = app.ShutdownWithContext(shutdownCtx)
	}()

	logger.Info("listening on %s", cfg.ListenAddr)
	return app.Listen(cfg.ListenAddr)
}

// runMigrations applies the embedded migration files in name order. Every
// statement is idempotent, so reruns are safe.
func runMigrations(ctx context.Context, db *bun.DB) error {
	mfs := idman.GetMigrationsFS()

	var files []string
	err := fs.WalkDir(mfs, "data/sql/migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".sql") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, f := range files {
		content, err := fs.ReadFile(mfs, f)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return err
		}
	}

	return nil
}

type stdLogger struct {
	debug bool
}

func (l stdLogger) Debug(format string, args ...any) {
	if l.debug {
		log.Printf("[DBG] "+format, args...)
	}
}
func (l stdLogger) Info(format string, args ...any)  { log.Printf("[INF] "+format, args...) }
func (l stdLogger) Warn(format string, args ...any)  { log.Printf("[WRN] "+format, args...) }
func (l stdLogger) Error(format string, args ...any) { log.Printf("[ERR] "+format, args...) }
