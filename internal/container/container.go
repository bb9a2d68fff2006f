// Package container 依赖注入容器，负责组件构建与生命周期编排。
package container

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/SovaNetwork/near-delta-neutral-solver/audit"
	"github.com/SovaNetwork/near-delta-neutral-solver/chain"
	"github.com/SovaNetwork/near-delta-neutral-solver/config"
	"github.com/SovaNetwork/near-delta-neutral-solver/gateway"
	"github.com/SovaNetwork/near-delta-neutral-solver/hedger"
	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/alert"
	"github.com/SovaNetwork/near-delta-neutral-solver/infrastructure/logger"
	"github.com/SovaNetwork/near-delta-neutral-solver/internal/engine"
	"github.com/SovaNetwork/near-delta-neutral-solver/inventory"
	"github.com/SovaNetwork/near-delta-neutral-solver/market"
	"github.com/SovaNetwork/near-delta-neutral-solver/metrics"
	"github.com/SovaNetwork/near-delta-neutral-solver/quoter"
	"github.com/SovaNetwork/near-delta-neutral-solver/relay"
	"github.com/SovaNetwork/near-delta-neutral-solver/watchdog"
)

// Container 持有全部组件，生命周期由 LifecycleManager 编排。
type Container struct {
	cfg        config.AppConfig
	configPath string

	logger    *logger.Logger
	alerts    *alert.Manager
	audits    *audit.Writer
	tokens    *config.TokenTable
	book      *market.OrderBook
	venue     *gateway.VenueClient
	chainCli  *chain.Client
	inv       *inventory.Manager
	spot      *market.SpotFeed
	quoter    *quoter.Quoter
	hedger    *hedger.Hedger
	session   *relay.Session
	solver    *engine.Solver
	watchdog  *watchdog.Watchdog
	reloader  *config.HotReloader
	lifecycle *LifecycleManager
}

// New loads config and prepares an empty container.
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &Container{
		cfg:        cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}, nil
}

// Config returns the loaded configuration.
func (c *Container) Config() config.AppConfig { return c.cfg }

// Logger returns the root logger (valid after Build).
func (c *Container) Logger() *logger.Logger { return c.logger }

// Build 构建所有组件并注册生命周期。
func (c *Container) Build() error {
	log, err := logger.New(logger.Config{
		Level:      c.cfg.Logger.Level,
		Outputs:    c.cfg.Logger.Outputs,
		OutputFile: c.cfg.Logger.OutputFile,
		Format:     c.cfg.Logger.Format,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	c.logger = log

	channels := []alert.Channel{alert.NewLogChannel("log", os.Stdout)}
	if c.cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", c.cfg.Alert.WebhookURL))
	}
	c.alerts = alert.NewManager(channels, time.Duration(c.cfg.Alert.ThrottleSeconds)*time.Second)

	c.audits = audit.NewWriter(audit.Config{
		Dir:        c.cfg.Audit.Dir,
		MaxSizeMB:  c.cfg.Audit.MaxSizeMB,
		MaxBackups: c.cfg.Audit.MaxBackups,
	})

	c.tokens, err = config.BuildTokenTable(c.cfg.Tokens)
	if err != nil {
		return fmt.Errorf("build token table: %w", err)
	}

	c.book = market.NewOrderBook(c.cfg.Trading.MaxOrderbookAgeMs)

	apiURL, wsURL := venueEndpoints(c.cfg.Venue)
	c.venue = gateway.NewVenueClient(gateway.VenueConfig{
		APIURL:       apiURL,
		WSURL:        wsURL,
		Coin:         c.cfg.Venue.Coin,
		AssetIndex:   c.cfg.Venue.AssetIndex,
		TickDecimals: c.cfg.Venue.TickDecimals,
		APIKey:       c.cfg.Venue.APIKey,
		APISecret:    c.cfg.Venue.APISecret,
		SlippageBps:  c.cfg.Trading.HedgeSlippageBps,
		BookMaxAgeMs: c.cfg.Trading.MaxOrderbookAgeMs,
	}, c.book, gateway.NewTokenBucketLimiter(c.cfg.Venue.RESTRate, c.cfg.Venue.RESTBurst), log.Named("venue"))

	c.chainCli, err = chain.NewClient(chain.ClientConfig{
		RPCURL:          c.cfg.Chain.RPCURL,
		AccountID:       c.cfg.Chain.AccountID,
		IntentsContract: c.cfg.Chain.IntentsContract,
		PrivateKey:      c.cfg.Chain.PrivateKey,
	}, log.Named("chain"))
	if err != nil {
		return fmt.Errorf("build chain client: %w", err)
	}

	c.inv = inventory.NewManager(c.venue, c.chainCli, c.tokens, inventory.Limits{
		MinMarginUSD:    c.cfg.Trading.MinMarginThreshold,
		MinUSDReserve:   c.cfg.Trading.MinUSDReserve,
		MaxBTCInventory: c.cfg.Trading.MaxBTCInventory,
		MinTradeSizeBTC: c.cfg.Trading.MinTradeSizeBTC,
	}, log.Named("inventory"))

	if c.cfg.Trading.DynamicSpreadEnabled {
		c.spot = market.NewSpotFeed(c.cfg.Trading.SpotPrimaryURL, c.cfg.Trading.SpotFallbackURL,
			10*time.Second, log.Named("spot"))
	}

	var spotSource quoter.SpotSource
	if c.spot != nil {
		spotSource = c.spot
	}
	c.quoter = quoter.New(c.book, c.inv, c.tokens, spotSource, quoter.ParamsFromTrading(c.cfg.Trading))

	c.hedger = hedger.New(hedger.Config{
		PollInterval:   time.Duration(c.cfg.Trading.PollIntervalMs) * time.Millisecond,
		HedgingEnabled: c.cfg.Trading.HedgingEnabled,
	}, c.chainCli, c.venue, c.inv, c.audits, c.alerts, log.Named("hedger"))

	c.solver = engine.NewSolver(c.quoter, c.hedger, nil, c.chainCli,
		c.cfg.Chain.IntentsContract, c.audits, log.Named("engine"))
	c.session = relay.NewSession(c.cfg.Relay.URL, c.solver, log.Named("relay"))
	c.solver.SetPublisher(c.session)

	c.watchdog = watchdog.New(c.inv, c.quoter, c.alerts, c.audits, log.Named("watchdog"),
		c.cfg.Trading.DriftThresholdBTC, c.hedger.PendingCount)

	c.reloader, err = config.NewHotReloader(c.configPath, 5*time.Second, func(t config.TradingConfig) error {
		c.quoter.SetParams(quoter.ParamsFromTrading(t))
		log.Info("trading params hot reloaded")
		return nil
	})
	if err != nil {
		return fmt.Errorf("build hot reloader: %w", err)
	}

	c.registerLifecycle()
	return nil
}

func venueEndpoints(v config.VenueConfig) (apiURL, wsURL string) {
	apiURL, wsURL = v.APIURL, v.WSURL
	if apiURL == "" {
		apiURL = gateway.TestnetAPIURL
		if v.Mainnet {
			apiURL = gateway.MainnetAPIURL
		}
	}
	if wsURL == "" {
		wsURL = gateway.TestnetWSURL
		if v.Mainnet {
			wsURL = gateway.MainnetWSURL
		}
	}
	return apiURL, wsURL
}

func (c *Container) registerLifecycle() {
	if c.cfg.Metrics.Addr != "" {
		c.lifecycle.Register(Component{
			Name: "metrics",
			StartFn: func(ctx context.Context) error {
				metrics.StartMetricsServer(c.cfg.Metrics.Addr)
				return nil
			},
		})
	}
	c.lifecycle.Register(Component{
		Name:    "venue",
		StartFn: c.venue.Init,
		StopFn:  func() error { c.venue.Close(); return nil },
	})
	c.lifecycle.Register(Component{
		Name:    "inventory",
		StartFn: c.inv.Start,
		StopFn:  func() error { c.inv.Stop(); return nil },
	})
	if c.spot != nil {
		c.lifecycle.Register(Component{
			Name:    "spot",
			StartFn: func(ctx context.Context) error { c.spot.Start(ctx); return nil },
			StopFn:  func() error { c.spot.Stop(); return nil },
		})
	}
	c.lifecycle.Register(Component{
		Name:    "hedger",
		StartFn: func(ctx context.Context) error { c.hedger.Start(ctx); return nil },
		StopFn:  func() error { c.hedger.Stop(); return nil },
	})
	c.lifecycle.Register(Component{
		Name:    "relay",
		StartFn: func(ctx context.Context) error { go c.session.Run(ctx); return nil },
		StopFn:  func() error { c.session.Close(); return nil },
	})
	c.lifecycle.Register(Component{
		Name:    "watchdog",
		StartFn: func(ctx context.Context) error { c.watchdog.Start(ctx); return nil },
		StopFn:  func() error { c.watchdog.Stop(); return nil },
	})
	c.lifecycle.Register(Component{
		Name:    "hot-reload",
		StartFn: c.reloader.Start,
		StopFn:  c.reloader.Stop,
	})
}

// Start 启动全部组件。初始快照失败等致命错误在这里暴露。
func (c *Container) Start(ctx context.Context) error {
	return c.lifecycle.StartAll(ctx)
}

// Stop 逆序停止全部组件并落盘。
func (c *Container) Stop() error {
	err := c.lifecycle.StopAll()
	if c.audits != nil {
		_ = c.audits.Close()
	}
	if c.logger != nil {
		_ = c.logger.Close()
	}
	return err
}
