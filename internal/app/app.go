// Package app wires the bridge together and owns its start-up and shutdown
// order.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/broker"
	"github.com/roelfdiedericks/wabridge/internal/config"
	"github.com/roelfdiedericks/wabridge/internal/conn"
	"github.com/roelfdiedericks/wabridge/internal/dispatch"
	wahttp "github.com/roelfdiedericks/wabridge/internal/http"
	"github.com/roelfdiedericks/wabridge/internal/inbound"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/outbound"
	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

// App is a running bridge.
type App struct {
	cfg *config.Config

	ctx    context.Context
	cancel context.CancelFunc

	store     *whatsapp.Driver
	gateway   *whatsapp.Manager
	broker    *broker.Manager
	publisher *broker.Publisher
	registry  *dispatch.Registry
	consumer  *outbound.Consumer
	server    *wahttp.Server
	watcher   *config.Watcher

	// qrOut receives QR codes while the gateway is unpaired
	qrOut io.Writer
}

func policyFrom(b config.BackoffConfig) conn.ReconnectPolicy {
	initial, maxDelay := b.Durations()
	return conn.ReconnectPolicy{InitialDelay: initial, MaxDelay: maxDelay, Factor: b.Factor}
}

// New builds every component from cfg. Nothing connects until Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := whatsapp.NewDriver(ctx, cfg.WhatsApp.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open whatsapp store: %w", err)
	}

	a := &App{cfg: cfg, store: store, qrOut: os.Stderr}
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.gateway = conn.NewManager[*whatsapp.Session](store, conn.Options{
		Name:           "whatsapp",
		ConnectTimeout: config.MustDuration(cfg.WhatsApp.ConnectTimeout, 60*time.Second),
		Policy:         policyFrom(cfg.WhatsApp.Reconnect),
	})

	brokerTimeout := config.MustDuration(cfg.Broker.ConnectTimeout, 30*time.Second)
	a.broker = conn.NewManager[*broker.Session](
		broker.NewDriver(cfg.Broker.URL, brokerTimeout, cfg.Broker.IncomingQueue, cfg.Broker.OutgoingQueue),
		conn.Options{
			Name:           "broker",
			ConnectTimeout: brokerTimeout,
			Policy:         policyFrom(cfg.Broker.Reconnect),
		},
	)
	a.publisher = broker.NewPublisher(a.broker)

	a.registry = dispatch.New(a.ctx,
		inbound.NewProcessor(a.publisher, cfg.Broker.IncomingQueue),
	)
	dispatch.Attach(a.registry, a.gateway)

	sender := whatsapp.NewSender(a.gateway)
	a.consumer = outbound.NewConsumer(a.broker, outbound.NewProcessor(a.gateway, sender), outbound.ConsumerOptions{
		Queue:    cfg.Broker.OutgoingQueue,
		Tag:      cfg.Broker.ConsumerTag,
		Prefetch: cfg.Broker.Prefetch,
		Retry:    policyFrom(cfg.Broker.ConsumerRetry),
	})

	a.gateway.Subscribe(a.onGatewayEvent)
	a.broker.Subscribe(a.onBrokerEvent)

	if cfg.HTTP.IsEnabled() {
		a.server = wahttp.NewServer(&wahttp.ServerConfig{
			Listen:        cfg.HTTP.Listen,
			OutgoingQueue: cfg.Broker.OutgoingQueue,
			Gateway:       a.gateway,
			Broker:        a.broker,
			Publisher:     a.publisher,
			JID:           a.gatewayJID,
		})
	}

	if cfg.Path != "" {
		w, err := config.NewWatcher(cfg.Path, 0, a.onConfigChange)
		if err != nil {
			L_warn("config: watcher unavailable, changes need a restart", "path", cfg.Path, "error", err)
		} else {
			a.watcher = w
		}
	}

	return a, nil
}

// Start connects both managers and opens the HTTP surface.
func (a *App) Start() {
	a.consumer.Start()
	if a.watcher != nil {
		a.watcher.Start()
	}
	if a.server != nil {
		a.server.Start()
	}

	// Connect blocks for the duration of an attempt
	go a.broker.Connect()
	go a.gateway.Connect()

	L_info("wabridge: started",
		"incoming", a.cfg.Broker.IncomingQueue,
		"outgoing", a.cfg.Broker.OutgoingQueue,
		"http", a.cfg.HTTP.IsEnabled())
}

// Shutdown stops everything in dependency order: HTTP first so no new
// commands arrive, then the consumer so its registration is cancelled while
// the broker channel is still open, then the gateway, then the broker.
func (a *App) Shutdown() {
	start := time.Now()
	SetShuttingDown()

	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.server != nil {
		a.server.Stop()
	}
	a.consumer.Stop()
	a.gateway.Stop()
	a.cancel()
	a.broker.Stop()

	if err := a.store.CloseStore(); err != nil {
		L_warn("whatsapp: close store failed", "error", err)
	}
	L_elapsed(start, "wabridge: shutdown complete")
}

// Run starts the bridge and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	a, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	a.Start()
	<-ctx.Done()
	L_info("wabridge: shutting down")
	a.Shutdown()
	return nil
}

func (a *App) gatewayJID() string {
	if sess, ok := a.gateway.Handle(); ok {
		return sess.JID()
	}
	return ""
}

func (a *App) onGatewayEvent(evt conn.Event[*whatsapp.Session]) {
	switch evt.Kind {
	case conn.EventQR:
		fmt.Fprintln(a.qrOut, "Scan this QR code with WhatsApp > Settings > Linked Devices > Link a Device:")
		whatsapp.RenderQR(evt.QRCode, a.qrOut)
	case conn.EventFatal:
		L_error("whatsapp: session is no longer valid, run 'wabridge unlink' then 'wabridge link' to pair again",
			"cause", evt.Cause.String())
	}
}

func (a *App) onBrokerEvent(evt conn.Event[*broker.Session]) {
	if evt.Kind == conn.EventFatal {
		L_error("broker: connection refused permanently, check credentials in broker.url",
			"cause", evt.Cause.String())
	}
}

// onConfigChange applies the settings that can change at runtime.
func (a *App) onConfigChange(cfg *config.Config) {
	level, err := ParseLevel(cfg.Logging.Level)
	if err != nil {
		L_warn("config: ignoring invalid log level", "level", cfg.Logging.Level, "error", err)
		return
	}
	if cfg.Logging.Level != a.cfg.Logging.Level {
		SetLevel(level)
		L_info("config: log level changed", "level", cfg.Logging.Level)
		a.cfg.Logging.Level = cfg.Logging.Level
	}

	if cfg.WhatsApp != a.cfg.WhatsApp || cfg.Broker != a.cfg.Broker ||
		cfg.HTTP.Listen != a.cfg.HTTP.Listen || cfg.HTTP.IsEnabled() != a.cfg.HTTP.IsEnabled() ||
		cfg.Logging.Format != a.cfg.Logging.Format {
		L_warn("config: changes outside logging.level need a restart to take effect")
	}
}
