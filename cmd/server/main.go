package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/xtrntr/papertrade/internal/access"
	"github.com/xtrntr/papertrade/internal/api"
	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/ledger"
	"github.com/xtrntr/papertrade/internal/logger"
	"github.com/xtrntr/papertrade/internal/notify"
	"github.com/xtrntr/papertrade/internal/quote"
	"github.com/xtrntr/papertrade/internal/service"
	"github.com/xtrntr/papertrade/internal/store"
	"github.com/xtrntr/papertrade/internal/valuation"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// backend is everything the server persists
type backend interface {
	service.Store
	auth.UserStore
}

func openBackend(ctx context.Context, conf config.Postgres) (backend, func(), error) {
	if conf.URL == "" {
		zap.L().Warn("no postgres url configured, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	database, err := db.NewDB(ctx, conf.URL)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { database.Close(ctx) }
	if err := database.Pool.Ping(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("failed to reach database -> %w", err)
	}
	if conf.Migrate {
		if err := database.Migrate(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	return database, closeFn, nil
}

func newQuoteSource(conf config.Quotes) (quote.Source, error) {
	switch conf.Provider {
	case "alphavantage":
		if conf.APIKey == "" {
			return nil, errors.New("quotes.api_key is required for alphavantage")
		}
		return quote.NewAlphaVantage(conf.APIKey, conf.BaseURL, conf.Timeout), nil
	case "static", "":
		prices := make(map[string]decimal.Decimal, len(conf.Prices))
		for ticker, raw := range conf.Prices {
			p, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("quotes.prices.%s -> %w", ticker, err)
			}
			prices[strings.ToUpper(ticker)] = p
		}
		return quote.NewStatic(prices), nil
	}
	return nil, fmt.Errorf("unknown quote provider %q", conf.Provider)
}

func run() error {
	conf, err := config.Load("./cmd/server/config.yml")
	if err != nil {
		return fmt.Errorf("failed to initialize config -> %w", err)
	}
	if err = logger.Init(conf.API.Environment); err != nil {
		return fmt.Errorf("failed to initialize logger -> %w", err)
	}
	defer zap.L().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeBackend, err := openBackend(ctx, conf.Postgres)
	if err != nil {
		return fmt.Errorf("failed to initialize database -> %w", err)
	}
	defer closeBackend()

	source, err := newQuoteSource(conf.Quotes)
	if err != nil {
		return fmt.Errorf("failed to initialize quotes -> %w", err)
	}
	quotes := quote.NewMemo(source)

	policy, err := valuation.ParsePolicy(conf.Valuation.Policy)
	if err != nil {
		return err
	}

	guard := access.NewGuard(st)
	hub := notify.NewHub(zap.L().Named("notify"))
	l := ledger.NewLedger(st, quotes, guard, ledger.WithLogger(zap.L().Named("ledger")))
	engine := valuation.NewEngine(quotes,
		valuation.WithPolicy(policy),
		valuation.WithLastPrices(quotes),
		valuation.WithConcurrency(conf.Valuation.Concurrency))
	svc := service.NewService(st, l, engine, guard, hub, zap.L().Named("service"))
	authService := auth.NewAuthService(st, conf.Auth.JWTSecret, conf.Auth.TokenTTL)
	handler := api.NewHandler(svc, authService, hub)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   conf.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	handler.Mount(r)

	srv := &http.Server{Addr: ":" + conf.API.Port, Handler: r}
	errc := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.String("addr", srv.Addr), zap.String("valuation_policy", string(policy)))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start the server -> %w", err)
		}
	case <-ctx.Done():
		zap.L().Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down -> %w", err)
		}
	}
	return nil
}

// Main entry point: loads config, wires the core and serves HTTP
func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
