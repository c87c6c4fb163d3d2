package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli"

	"github.com/user/blexchange/central"
	"github.com/user/blexchange/config"
	"github.com/user/blexchange/exchange"
	"github.com/user/blexchange/logger"
	"github.com/user/blexchange/peripheral"
	"github.com/user/blexchange/protocol"
	"github.com/user/blexchange/radio"
	"github.com/user/blexchange/transport"
	"github.com/user/blexchange/transport/memory"
	"github.com/user/blexchange/util"
	"github.com/user/blexchange/wire"
)

const defaultDemoDuration = 3 * time.Second

func defaultConfigPath() string {
	return config.DefaultConfigPath()
}

// loadConfig merges the config file with the global flags and applies
// the process-wide settings (log level, data dir)
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if v := c.GlobalString("transport"); v != "" {
		cfg.Transport = v
	}
	if v := c.GlobalString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := c.GlobalString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger.SetLevel(logger.LevelFromEnv(cfg.Level()))
	if cfg.DataDir != "" {
		os.Setenv(util.EnvDataDir, cfg.DataDir)
	}
	return cfg, nil
}

// printEntry is the exchange log listener for the terminal
func printEntry(e exchange.Entry) {
	if lat := e.LatencyString(); lat != "" {
		fmt.Printf("%s  (%s)\n", e.Text, lat)
		return
	}
	fmt.Println(e.Text)
}

func newLog(cfg *config.Config, role string) *exchange.Log {
	return exchange.NewLog(
		exchange.WithLimit(cfg.LogLimit),
		exchange.WithPrefix(role),
		exchange.WithListener(printEntry),
	)
}

// interruptContext is cancelled on SIGINT or SIGTERM
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeManager(m interface{}) {
	if closer, ok := m.(io.Closer); ok {
		closer.Close()
	}
}

func openPeripheral(cfg *config.Config) (transport.PeripheralManager, error) {
	switch cfg.Transport {
	case config.TransportWire:
		return wire.NewPeripheral(uuid.NewString(), cfg.LocalName), nil
	case config.TransportRadio:
		return radio.NewPeripheral(cfg.Adapter)
	default:
		return nil, fmt.Errorf("transport %q only works with the demo command", cfg.Transport)
	}
}

func openCentral(cfg *config.Config) (transport.CentralManager, error) {
	switch cfg.Transport {
	case config.TransportWire:
		return wire.NewCentral(uuid.NewString(), cfg.LocalName), nil
	case config.TransportRadio:
		return radio.NewCentral(cfg.Adapter)
	default:
		return nil, fmt.Errorf("transport %q only works with the demo command", cfg.Transport)
	}
}

func peripheralOptions(cfg *config.Config, log *exchange.Log) (peripheral.Options, error) {
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return peripheral.Options{}, err
	}
	return peripheral.Options{
		LocalName:    cfg.LocalName,
		ReadyTimeout: cfg.ReadyTimeout,
		Codec:        codec,
		Log:          log,
		Partner:      cfg.Partner,
	}, nil
}

func centralOptions(cfg *config.Config, log *exchange.Log) (central.Options, error) {
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return central.Options{}, err
	}
	seed := cfg.SeedIndex
	return central.Options{
		ReadyTimeout: cfg.ReadyTimeout,
		Codec:        codec,
		Log:          log,
		WriteMode:    cfg.Mode(),
		SeedIndex:    &seed,
	}, nil
}

func advertiseCommand(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.Role = config.RoleAdvertiser
	if v := c.String("name"); v != "" {
		cfg.LocalName = v
	}
	if v := c.String("partner"); v != "" {
		cfg.Partner = v
	}

	pm, err := openPeripheral(cfg)
	if err != nil {
		return err
	}
	defer closeManager(pm)

	opts, err := peripheralOptions(cfg, newLog(cfg, "advertiser"))
	if err != nil {
		return err
	}
	session := peripheral.New(pm, opts)

	ctx, stop := interruptContext()
	defer stop()
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start advertiser: %w", err)
	}
	fmt.Printf("📢 Advertising as %q over %s, Ctrl-C to stop\n", cfg.LocalName, cfg.Transport)

	<-ctx.Done()
	return session.Stop(context.Background())
}

func scanCommand(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.Role = config.RoleScanner
	if v := c.String("write-mode"); v != "" {
		cfg.WriteMode = v
	}
	if c.IsSet("seed") {
		cfg.SeedIndex = c.Int64("seed")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	cm, err := openCentral(cfg)
	if err != nil {
		return err
	}
	defer closeManager(cm)

	opts, err := centralOptions(cfg, newLog(cfg, "scanner"))
	if err != nil {
		return err
	}
	session := central.New(cm, opts)
	defer session.CancelAll(context.Background())

	ctx, stop := interruptContext()
	defer stop()
	fmt.Printf("🔍 Scanning over %s...\n", cfg.Transport)
	if err := session.StartScanning(ctx); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if peer, ok := session.Peer(); ok {
		fmt.Printf("🔗 Connected to %s\n", peer)
	}

	if n := c.Int("burst"); n > 0 {
		return runBurst(ctx, session, n)
	}
	if err := session.StartExchangeLoop(ctx); err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	<-ctx.Done()
	return nil
}

func runBurst(ctx context.Context, session *central.Session, n int) error {
	result, err := session.SendBurst(ctx, n)
	if err != nil {
		return fmt.Errorf("burst: %w", err)
	}
	fmt.Printf("📦 Burst sent %d, failed %d\n", result.Sent, result.Failed)
	if result.Failed > 0 {
		return errors.New("burst had failed writes")
	}
	return nil
}

// demoCommand pairs both roles on the in-memory radio, so it runs without
// hardware or a shared data dir
func demoCommand(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	air := memory.NewRadio()
	pm := air.NewPeripheral(cfg.LocalName)
	cm := air.NewCentral("demo-scanner")

	popts, err := peripheralOptions(cfg, exchange.NewLog(exchange.WithLimit(cfg.LogLimit), exchange.WithPrefix("advertiser")))
	if err != nil {
		return err
	}
	copts, err := centralOptions(cfg, newLog(cfg, "scanner"))
	if err != nil {
		return err
	}
	adv := peripheral.New(pm, popts)
	scanner := central.New(cm, copts)

	ctx, stop := interruptContext()
	defer stop()

	if err := adv.Start(ctx); err != nil {
		return fmt.Errorf("start advertiser: %w", err)
	}
	defer adv.Stop(context.Background())
	if err := scanner.StartScanning(ctx); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	defer scanner.CancelAll(context.Background())

	if n := c.Int("burst"); n > 0 {
		if err := runBurst(ctx, scanner, n); err != nil {
			return err
		}
	}
	if err := scanner.StartExchangeLoop(ctx); err != nil {
		return fmt.Errorf("exchange: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(c.Duration("duration")):
	}
	scanner.CancelAll(context.Background())

	fmt.Printf("✅ Scanner logged %d entries, advertiser logged %d\n", scanner.Log().Len(), adv.Log().Len())
	return nil
}
