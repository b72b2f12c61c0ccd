package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/carpi/headunit/internal/bluez"
	"github.com/carpi/headunit/internal/config"
	"github.com/carpi/headunit/internal/httpapi"
	"github.com/carpi/headunit/internal/logging"
	"github.com/carpi/headunit/internal/media"
	"github.com/carpi/headunit/internal/mqttpub"
	"github.com/carpi/headunit/internal/phone"
)

func loadConfig() (config.Config, error) {
	if err := config.LoadEnvFiles(".env", config.EnvPath()); err != nil {
		return config.Config{}, err
	}
	return config.Load()
}

// links holds the bus-backed collaborators. Every field stays a nil interface
// when the system bus is unreachable.
type links struct {
	source phone.LinkSource
	direct phone.CallControl
	player media.Player
}

func openLinks(bus *bluez.Bus, cfg config.Config, log zerolog.Logger) links {
	if bus == nil {
		return links{}
	}
	return links{
		source: bluez.NewSignalSource(bus, cfg.DaemonCallTimeout, log.With().Str("component", "bluez").Logger()),
		direct: bluez.NewCallObjects(bus),
		player: bluez.NewMediaPlayers(bus),
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	gin.SetMode(cfg.GinMode)

	bus, err := bluez.Connect()
	if err != nil {
		log.Warn().Err(err).Msg("system bus unavailable, running on polling only")
		bus = nil
	} else {
		defer bus.Close()
	}
	l := openLinks(bus, cfg, log)

	mgr := phone.New(phone.Options{
		Link:         l.source,
		Lister:       bluez.NewBluetoothctl(cfg.BluetoothctlBin, bluez.ExecRunner),
		Direct:       l.direct,
		Fallback:     bluez.NewDBusSend(cfg.DBusSendBin, bluez.ExecRunner),
		PollInterval: cfg.PollInterval,
		CallTimeout:  cfg.DaemonCallTimeout,
		StopGrace:    cfg.StopGrace,
		Log:          log.With().Str("component", "phone").Logger(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("signal link not started, polling for connection state")
	}
	defer mgr.Stop()

	if cfg.MQTTBrokerURL != "" {
		pub := mqttpub.New(mqttpub.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Topic:     cfg.MQTTTopic,
			QoS:       byte(cfg.MQTTQoS),
			Retained:  cfg.MQTTRetained,
		}, log.With().Str("component", "mqtt").Logger())
		if err := pub.Connect(); err != nil {
			log.Error().Err(err).Msg("mqtt mirror disabled")
		} else {
			unsubscribe := mgr.Subscribe(pub.Publish)
			defer pub.Close()
			defer unsubscribe()
		}
	}

	player := media.NewController(l.player, cfg.PlayerctlBin, bluez.ExecRunner,
		cfg.DaemonCallTimeout, log.With().Str("component", "media").Logger())
	handler := httpapi.NewHandler(mgr, player, httpapi.Options{
		QueueSize: cfg.EventQueueSize,
		Heartbeat: cfg.HeartbeatInterval,
	}, log.With().Str("component", "http").Logger())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.BuildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: the event stream stays open indefinitely.
		// Request contexts end on SIGINT/SIGTERM so open streams return.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("link", mgr.LinkMode()).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}
