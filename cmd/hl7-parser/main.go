package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/hl7parse/internal/config"
	"github.com/ehr/hl7parse/internal/platform/auth"
	"github.com/ehr/hl7parse/internal/platform/db"
	"github.com/ehr/hl7parse/internal/platform/feed"
	"github.com/ehr/hl7parse/internal/platform/hl7v2"
	"github.com/ehr/hl7parse/internal/platform/metrics"
	"github.com/ehr/hl7parse/internal/platform/middleware"
	"github.com/ehr/hl7parse/internal/platform/openapi"
	"github.com/ehr/hl7parse/internal/platform/parselog"
)

// errRejected is returned by parse and validate when the message did not
// pass, so the process exits non-zero after printing the outcome.
var errRejected = errors.New("message rejected")

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRejected) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hl7-parser",
		Short:         "HL7 v2.x message parser and validator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and MLLP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}
}

func parseCmd() *cobra.Command {
	var scenario string
	var pretty bool

	cmd := &cobra.Command{
		Use:   "parse [file|-]",
		Short: "Parse one message and print the result as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			limit, _ := cfg.MaxMessageBytes()
			msg, err := readMessage(cmd.InOrStdin(), args, scenario, limit)
			if err != nil {
				return err
			}

			res := newParser(cfg).Parse(msg)
			enc := json.NewEncoder(cmd.OutOrStdout())
			if pretty {
				enc.SetIndent("", "  ")
			}
			if err := enc.Encode(parseOutput{Status: res.Status(), Result: res}); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			if res.Fatal() {
				return errRejected
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "", "read hl7_message from a scenario YAML file")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent the JSON output")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file|-]",
		Short: "Validate one message and print its status and issues",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			limit, _ := cfg.MaxMessageBytes()
			msg, err := readMessage(cmd.InOrStdin(), args, "", limit)
			if err != nil {
				return err
			}

			res := newParser(cfg).Parse(msg)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s\n", res.Status())
			for _, issue := range res.Issues {
				fmt.Fprintln(out, issue.String())
			}
			if res.FirstError() != nil {
				return errRejected
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the parse_log table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.ParseLogEnabled() {
				return errors.New("DATABASE_URL is not set")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			if err := parselog.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "parse_log table is up to date")
			return nil
		},
	}
}

// parseOutput is the JSON printed by the parse command.
type parseOutput struct {
	Status hl7v2.Status `json:"status"`
	*hl7v2.Result
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func newParser(cfg *config.Config) *hl7v2.Parser {
	return hl7v2.NewParser(hl7v2.Options{CodingSystems: cfg.CodingSystems})
}

// scenarioFile is the subset of a test scenario YAML the CLI reads.
type scenarioFile struct {
	HL7Message string `yaml:"hl7_message"`
}

// readMessage returns the message text from a scenario file, the named file,
// or in when the argument is "-" or absent. At most limit bytes are read.
func readMessage(in io.Reader, args []string, scenario string, limit int64) (string, error) {
	var r io.Reader
	switch {
	case scenario != "":
		data, err := os.ReadFile(scenario)
		if err != nil {
			return "", fmt.Errorf("read scenario: %w", err)
		}
		var sf scenarioFile
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return "", fmt.Errorf("decode scenario %s: %w", scenario, err)
		}
		if sf.HL7Message == "" {
			return "", fmt.Errorf("scenario %s has no hl7_message", scenario)
		}
		if int64(len(sf.HL7Message)) > limit {
			return "", fmt.Errorf("message exceeds %d bytes", limit)
		}
		return sf.HL7Message, nil
	case len(args) == 0 || args[0] == "-":
		r = in
	default:
		f, err := os.Open(args[0])
		if err != nil {
			return "", fmt.Errorf("open message: %w", err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("message exceeds %d bytes", limit)
	}
	if len(data) == 0 {
		return "", errors.New("message is empty")
	}
	return string(data), nil
}

// serverDeps are the collaborators newServer wires into routes.
type serverDeps struct {
	handler *hl7v2.Handler
	metrics *metrics.Metrics
	pinger  db.Pinger
	feed    *feed.Hub
}

// newServer builds the echo instance: global middleware, public health and
// metrics endpoints, and the authenticated /api/v1 group.
func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Logger(logger))
	e.Use(deps.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.BodyLimit(cfg.MaxMessageSize, cfg.MaxBatchSize))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(deps.pinger))
	e.GET("/metrics", echo.WrapHandler(deps.metrics.Handler()))
	openapi.NewGenerator(version, cfg.PublicURL).RegisterRoutes(e)

	apiV1 := e.Group("/api/v1", auth.RequireScope("hl7v2", "parse"))
	deps.handler.RegisterRoutes(apiV1)
	if deps.feed != nil {
		feed.NewHandler(deps.feed, cfg.CORSOrigins).RegisterRoutes(apiV1)
	}

	return e
}

// runServer serves HTTP and, when enabled, MLLP until ctx is cancelled.
func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.IsDev() {
		logger.Warn().Msg("running in development mode: bearer-token auth is disabled, do not use in production")
	}

	m := metrics.New(nil)
	hub := feed.NewHub(logger)
	observers := hl7v2.Observers{m, hub}

	var pinger db.Pinger
	if cfg.ParseLogEnabled() {
		pool, err := openParseLog(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info().Msg("connected to database, parse log enabled")

		repo, err := parselog.NewRepoPG(pool)
		if err != nil {
			return err
		}
		breaker := parselog.NewBreaker(repo, parselog.DefaultBreakerConfig(), logger)
		observers = append(observers, parselog.NewObserver(breaker, logger))
		pinger = pool
	}

	parser := newParser(cfg)
	handler := hl7v2.NewHandler(parser,
		hl7v2.WithObserver(observers),
		hl7v2.WithBatchWorkers(cfg.BatchWorkers),
	)
	e := newServer(cfg, logger, serverDeps{handler: handler, metrics: m, pinger: pinger, feed: hub})

	if cfg.MLLPEnabled {
		maxBytes, _ := cfg.MaxMessageBytes()
		mllpServer := hl7v2.NewMLLPServer(cfg.MLLPAddr, hl7v2.DefaultHandler(),
			hl7v2.WithMLLPParser(parser),
			hl7v2.WithMLLPLogger(logger),
			hl7v2.WithMLLPObserver(observers),
			hl7v2.WithMLLPConnectionTracker(m),
			hl7v2.WithMLLPMaxMessageSize(int(maxBytes)),
		)
		if err := mllpServer.Start(); err != nil {
			return fmt.Errorf("start MLLP listener: %w", err)
		}
		defer mllpServer.Stop()
		logger.Info().Str("addr", mllpServer.Addr()).Msg("MLLP server started")
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func openParseLog(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := parselog.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
