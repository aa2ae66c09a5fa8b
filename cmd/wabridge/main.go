package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/wabridge/internal/app"
	"github.com/roelfdiedericks/wabridge/internal/config"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/paths"
	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

var version = "dev"

// CLI is the command tree.
type CLI struct {
	Config string `help:"Config file (default: ./wabridge.json, ./wabridge.yaml or ~/.wabridge/wabridge.json)" type:"path"`
	Debug  bool   `help:"Enable debug logging" short:"d"`

	Run     RunCmd     `cmd:"" default:"1" help:"Run the bridge"`
	Link    LinkCmd    `cmd:"" help:"Pair a WhatsApp device by scanning a QR code"`
	Unlink  UnlinkCmd  `cmd:"" help:"Remove the stored WhatsApp session"`
	Status  StatusCmd  `cmd:"" help:"Show WhatsApp pairing status"`
	Cfg     ConfigCmd  `cmd:"" name:"config" help:"Configuration helpers"`
	Version VersionCmd `cmd:"" help:"Print the version"`
}

// loadConfig loads config and initialises logging from it. --debug wins
// over the configured level.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}

	level, err := ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if c.Debug {
		level = LevelDebug
	}
	Init(&Config{
		Level:      level,
		JSON:       cfg.Logging.Format == "json",
		ShowCaller: c.Debug,
	})

	if cfg.Path != "" {
		L_debug("config: loaded", "path", cfg.Path)
	} else {
		L_debug("config: no config file found, using defaults and environment")
	}
	return cfg, nil
}

type RunCmd struct{}

func (r *RunCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	L_info("wabridge %s starting", version)
	return app.Run(ctx, cfg)
}

type LinkCmd struct{}

func (l *LinkCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return whatsapp.LinkDevice(ctx, cfg.WhatsApp.StorePath, os.Stdout)
}

type UnlinkCmd struct{}

func (u *UnlinkCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	return whatsapp.UnlinkDevice(context.Background(), cfg.WhatsApp.StorePath, os.Stdout)
}

type StatusCmd struct{}

func (s *StatusCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("Store: %s\n", cfg.WhatsApp.StorePath)
	return whatsapp.DeviceStatus(context.Background(), cfg.WhatsApp.StorePath, os.Stdout)
}

type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a config file populated with defaults"`
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration"`
}

type ConfigInitCmd struct {
	Path string `arg:"" optional:"" help:"Destination (default: ~/.wabridge/wabridge.json)"`
}

func (c *ConfigInitCmd) Run() error {
	path := c.Path
	if path == "" {
		p, err := paths.DataPath(paths.ConfigNames[0])
		if err != nil {
			return err
		}
		path = p
	}
	if err := config.WriteFile(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

type ConfigShowCmd struct {
	Format string `help:"Output format" enum:"json,yaml" default:"json"`
}

func (c *ConfigShowCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	data, err := config.Encode("wabridge."+c.Format, cfg)
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	return nil
}

type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Printf("wabridge %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("wabridge"),
		kong.Description("Bridge a WhatsApp account to an AMQP broker"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
