package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/covercontrol/internal/cover"
	"github.com/jkaflik/covercontrol/internal/host"
	"github.com/jkaflik/covercontrol/internal/metrics"
	"github.com/jkaflik/covercontrol/internal/mqtt"
	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})

	configPath := flag.String("config", "config.yaml", "config.yaml file path")
	flag.Parse()

	if err := configLoader.Load(); err != nil {
		logrus.Fatal(err)
	}
	if err := loadConfigFromYamlFile(*configPath); err != nil {
		logrus.Fatal(err)
	}

	level, err := logrus.ParseLevel(Cfg.LogLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)

	configs := coversFromConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loop := host.NewLoop()
	var connected atomic.Pointer[mqtt.Bridge]

	opts := pahoOptsFromConfig()
	opts.OnConnect = func(paho.Client) {
		logrus.Info("MQTT broker connected")
		if bridge := connected.Load(); bridge != nil {
			bridge.Resubscribe()
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logrus.Errorf("MQTT broker connection lost: %s", err.Error())
	}

	m, err := connect(opts)
	if err != nil {
		logrus.Fatal(err)
	}
	bridge := bridgeFromConfig(m, loop)
	connected.Store(bridge)

	registry := host.NewRegistry[*cover.Control](cover.Domain, bridge)
	registry.RegisterEntityService(cover.ServiceOpen, (*cover.Control).Open)
	registry.RegisterEntityService(cover.ServiceClose, (*cover.Control).Close)

	for _, cfg := range configs {
		c := cover.New(cfg, cover.Host{
			Bus:       bridge,
			States:    bridge,
			Covers:    bridge,
			Scheduler: loop,
			Writer:    bridge,
		})
		if err := registry.AddEntities(ctx, c); err != nil {
			logrus.Errorf("setup failed: %s", err)
		}
	}

	var entities []host.Entity
	for _, c := range registry.Entities() {
		entities = append(entities, c)
	}

	if err := bridge.ServeActions(ctx, registry, []string{cover.ServiceOpen, cover.ServiceClose}, entities...); err != nil {
		logrus.Fatal(err)
	}

	if Cfg.Metrics.Enabled {
		go metrics.Serve(ctx, Cfg.Metrics.Address)
	}

	logrus.Infof("%d cover(s) controlled", len(entities))
	loop.Run(ctx)

	bridge.Unsubscribe()
	m.Disconnect(250)
	logrus.Info("disconnected")
}
