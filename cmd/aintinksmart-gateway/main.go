// Command aintinksmart-gateway relays images from MQTT to BLE e-ink displays.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/XtracT/aintinksmart/internal/api"
	"github.com/XtracT/aintinksmart/internal/broker"
	"github.com/XtracT/aintinksmart/internal/command"
	"github.com/XtracT/aintinksmart/internal/config"
	"github.com/XtracT/aintinksmart/internal/gateway"
	"github.com/XtracT/aintinksmart/internal/registry"
	"github.com/XtracT/aintinksmart/internal/retention"
	"github.com/XtracT/aintinksmart/internal/store"
	"github.com/XtracT/aintinksmart/internal/transport"
)

func main() {
	app := &cli.App{
		Name:   "aintinksmart-gateway",
		Usage:  "MQTT to BLE transfer gateway for e-ink displays",
		Flags:  []cli.Flag{flgConfig, flgBroker, flgListen, flgLogLevel},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "scan",
				Usage:  "list nearby displays and exit",
				Flags:  []cli.Flag{flgDuration, flgAll},
				Action: scan,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration, applies flag overrides and builds the
// logger.
func setup(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if path := c.String(flgConfig.Name); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, nil, err
		}
	}
	if v := c.String(flgBroker.Name); v != "" {
		cfg.Broker.Host = v
	}
	if c.IsSet(flgListen.Name) {
		cfg.Gateway.ListenAddr = c.String(flgListen.Name)
		if strings.EqualFold(cfg.Gateway.ListenAddr, "off") {
			cfg.Gateway.ListenAddr = ""
		}
	}
	if v := c.String(flgLogLevel.Name); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

func run(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}
	reg, err := registry.New(db)
	if err != nil {
		return err
	}

	radio := transport.NewRadio()
	link, err := transport.NewLink(radio, cfg.BLE, log.Named("ble"))
	if err != nil {
		return err
	}

	client := broker.New(cfg.Broker, command.NewTopics(cfg.Broker.BaseTopic), log.Named("broker"))
	gw := gateway.New(cfg, gateway.Deps{
		Channel:  client,
		Link:     link,
		Scanner:  transport.NewScanner(radio, log.Named("scan")),
		History:  db,
		Registry: reg,
	}, log.Named("gateway"))
	client.OnConnect = gw.Announce

	if err := client.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer client.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		retention.New(cfg.Store, db, log.Named("retention")).Start(ctx) //nolint:errcheck
	}()
	if cfg.Gateway.ListenAddr != "" {
		h := api.NewRouter(gw, db, reg, gw.Events(), log.Named("api"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Serve(ctx, cfg.Gateway.ListenAddr, h, log.Named("api")); err != nil {
				log.Error("HTTP API stopped", zap.Error(err))
			}
		}()
	}

	err = gw.Run(ctx)
	stop()
	wg.Wait()
	log.Info("shutdown complete")
	return err
}

// scan runs one discovery pass and prints what it found.
func scan(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := cfg.Scan.Duration
	if c.IsSet(flgDuration.Name) {
		d = c.Duration(flgDuration.Name)
	}
	ads, err := transport.NewScanner(transport.NewRadio(), log).Scan(ctx, d)
	if err != nil {
		return err
	}
	prefix := strings.ToLower(cfg.Scan.NamePrefix)
	for _, ad := range ads {
		if !c.Bool(flgAll.Name) && !strings.HasPrefix(strings.ToLower(ad.Name), prefix) {
			continue
		}
		fmt.Printf("%s  %4d dBm  %s\n", ad.Address, ad.RSSI, ad.Name)
	}
	return nil
}
