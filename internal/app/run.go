package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"oclean-bridge/internal/ble"
	"oclean-bridge/internal/config"
	"oclean-bridge/internal/httpapi"
	"oclean-bridge/internal/mqtt"
	"oclean-bridge/internal/poll"
	"oclean-bridge/internal/store"
	"oclean-bridge/internal/store/migrate"
)

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"sqlitePath", cfg.SQLitePath,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"bleAdapter", cfg.BLEAdapter,
		"devices", len(cfg.DeviceMACs),
		"pollInterval", cfg.PollInterval,
	)

	dbConn, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(dbConn); closeErr != nil {
			slog.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(dbConn); err != nil {
		return err
	}

	repo := store.NewRepository(dbConn)

	mqttClient, err := mqtt.NewClient(cfg)
	if err != nil {
		return err
	}
	// Short timeout for the initial connect so startup isn't blocked when the
	// broker is down; the client keeps retrying in the background.
	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := mqttClient.Connect(connectCtx); err != nil {
		slog.Warn("mqtt connection failed (continuing, will retry)", "error", err)
	}
	connectCancel()
	defer mqttClient.Disconnect()

	pollers := startPollers(ctx, cfg, repo, mqttClient)

	mux := httpapi.NewMux(dbConn, repo, pollers)
	srv := httpapi.NewServer(cfg, mux)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}

// pollerRegistry maps MACs to their running pollers; it backs the HTTP
// wear-reset endpoint. The map is built once at startup and read-only after.
type pollerRegistry struct {
	pollers map[string]*poll.Poller
}

func (r *pollerRegistry) ResetWearCounter(ctx context.Context, mac string) error {
	p, ok := r.pollers[mac]
	if !ok {
		return fmt.Errorf("unknown device %s", mac)
	}
	return p.ResetWearCounter(ctx)
}

// startPollers spins up one poll loop per configured device. A missing or
// failing Bluetooth adapter is tolerated: the HTTP and MQTT surfaces stay up
// so previously imported sessions remain readable.
func startPollers(ctx context.Context, cfg config.Config, repo store.Repository, sink poll.Sink) *pollerRegistry {
	reg := &pollerRegistry{pollers: make(map[string]*poll.Poller)}

	if len(cfg.DeviceMACs) == 0 {
		slog.Info("no devices configured, polling disabled")
		return reg
	}

	adapter, err := ble.NewAdapter(cfg.BLEAdapter)
	if err != nil {
		slog.Warn("ble adapter unavailable; continuing without polling", "error", err)
		return reg
	}

	opts := poll.Options{
		CycleTimeout:     cfg.CycleTimeout,
		NotificationWait: cfg.NotificationWait,
		PageWait:         cfg.PageWait,
		MaxPages:         cfg.MaxSessionPages,
	}

	for _, mac := range cfg.DeviceMACs {
		transport, err := ble.NewTransport(adapter, mac)
		if err != nil {
			slog.Error("skipping device", "device", mac, "error", err)
			continue
		}
		if err := repo.EnsureDevice(mac); err != nil {
			slog.Error("skipping device", "device", mac, "error", err)
			continue
		}
		p := poll.New(mac, transport, repo, sink, opts, slog.Default())
		reg.pollers[mac] = p
		go p.Run(ctx, cfg.PollInterval)
		slog.Info("poller started", "device", mac)
	}
	return reg
}
