// Package app wires the components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"sigflow/internal/config"
	"sigflow/internal/engine"
	"sigflow/internal/feed"
	"sigflow/internal/gateway/lbank"
	"sigflow/internal/instrument"
	"sigflow/internal/logger"
	"sigflow/internal/notify"
	"sigflow/internal/reconcile"
	"sigflow/internal/risk"
	sig "sigflow/internal/signal"
	"sigflow/internal/store"
	"sigflow/internal/store/gormstore"
	httpapi "sigflow/internal/transport/http"
)

type App struct {
	cfg      *config.Config
	st       store.Store
	gw       *lbank.Gateway
	eng      *engine.Engine
	listener *feed.Listener
	recon    *reconcile.Reconciler
	httpSrv  *httpapi.Server
}

func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}

	st, err := gormstore.NewGormStore(cfg.App.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rules, err := instrument.Load(cfg.Exchange.InstrumentsPath)
	if err != nil {
		return nil, err
	}
	gw := lbank.New(lbank.Config{
		APIKey:     cfg.Exchange.APIKey,
		SecretKey:  cfg.Exchange.SecretKey,
		BaseURL:    cfg.Exchange.BaseURL,
		MaxRetries: cfg.Exchange.MaxRetries,
	}, rules)

	var notifier notify.TextNotifier = notify.Nop{}
	if cfg.Notify.Telegram.Enabled {
		notifier = notify.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}

	eng := engine.New(st, gw, notifier, engine.Config{
		Limits: risk.Limits{
			MaxLeverage:      cfg.Risk.MaxLeverage,
			MaxOpenPositions: cfg.Risk.MaxOpenPositions,
		},
		Epsilon: decimal.NewFromFloat(cfg.Reconcile.Epsilon),
	})

	parser := feed.NewHTTPParser(cfg.Feed.ParserURL, time.Duration(cfg.Feed.ParserTimeoutSeconds)*time.Second)
	dispatcher := feed.NewDispatcher(parser, eng, sig.Defaults{
		RiskPercent: decimal.NewFromFloat(cfg.Risk.DefaultRiskPercent),
		Leverage:    cfg.Risk.DefaultLeverage,
		MarginType:  cfg.Risk.DefaultMarginType,
	})
	listener := feed.NewListener(cfg.Feed.WSURL, dispatcher.Handle)

	recon := reconcile.New(st, gw, eng, reconcile.Config{
		Interval: time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second,
		Epsilon:  decimal.NewFromFloat(cfg.Reconcile.Epsilon),
	})

	httpSrv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:  cfg.App.HTTPAddr,
		Store: st,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		st:       st,
		gw:       gw,
		eng:      eng,
		listener: listener,
		recon:    recon,
		httpSrv:  httpSrv,
	}, nil
}

// Run starts the feed listener, the reconciler and the HTTP server, and
// blocks until a signal arrives or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.gw.Ping(pingCtx); err != nil {
		logger.Warnf("exchange unreachable at startup: %v", err)
	}
	cancel()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.httpSrv.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := a.listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("feed listener error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := a.recon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("reconciler error: %w", err)
		}
		return nil
	})

	logger.Infof("sigflow running (env=%s, http=%s)", a.cfg.App.Env, a.httpSrv.Addr())
	err := group.Wait()
	if closeErr := a.st.Close(); closeErr != nil {
		logger.Warnf("store close: %v", closeErr)
	}
	return err
}
