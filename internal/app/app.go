// Package app wires the poll scheduler, weather client, and BLE link into
// one running bridge.
package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MasonRambo/skybridge/internal/ble"
	"github.com/MasonRambo/skybridge/internal/config"
	"github.com/MasonRambo/skybridge/internal/poll"
	"github.com/MasonRambo/skybridge/internal/weather"
)

// Sender is the slice of the BLE link the pipeline needs.
type Sender interface {
	Send(payload []byte) error
}

// Fetcher is the slice of the weather client the pipeline needs.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (weather.Sample, error)
}

// Pipeline returns one poll cycle: fetch current conditions, serialize, and
// hand the payload to the link. Every failure is terminal for this cycle
// only; the next tick starts fresh.
func Pipeline(fetcher Fetcher, sender Sender, location string, logger *slog.Logger) poll.Pipeline {
	return func(ctx context.Context) {
		sample, err := fetcher.Fetch(ctx, location)
		if err != nil {
			logger.Warn("poll: fetch failed, skipping cycle", "error", err)
			return
		}

		if err := sender.Send(sample.Payload()); err != nil {
			if errors.Is(err, ble.ErrLinkNotReady) {
				logger.Debug("poll: link not ready, sample dropped")
			} else {
				logger.Warn("poll: send failed, sample dropped", "error", err)
			}
			return
		}

		logger.Info("poll: sample sent",
			"temp_f", sample.TempF,
			"humidity", sample.Humidity,
			"rank", sample.ConditionRank,
		)
	}
}

// Run builds the components from cfg and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	link := ble.NewLinkManager(ble.NewBluetoothAdapter(), ble.LinkOptions{
		ServiceUUID:        cfg.BLE.ServiceUUID,
		CharacteristicUUID: cfg.BLE.CharacteristicUUID,
		ConnectTimeout:     cfg.BLE.ConnectTimeout,
		DiscoveryTimeout:   cfg.BLE.DiscoveryTimeout,
		ReconnectMax:       cfg.BLE.ReconnectMaxSeconds,
		OnStatus: func(st ble.Status) {
			logger.Info("ble: status",
				"connected", st.Connected,
				"last_message", st.LastMessage,
			)
		},
	}, logger)

	client := weather.NewClient(cfg.Weather.APIKey, weather.DefaultClientOptions(), logger)

	scheduler := poll.New(
		cfg.Weather.PollInterval,
		cfg.Weather.CycleTimeout,
		Pipeline(client, link, cfg.Weather.Location, logger),
		logger,
	)

	// An unavailable adapter leaves the link idle; the process keeps polling
	// (samples drop) and must be restarted once Bluetooth is up.
	if err := link.Start(); err != nil {
		logger.Error("ble: link start failed, samples will be dropped", "error", err)
	}

	scheduler.Start()
	scheduler.RunNow()

	<-ctx.Done()

	scheduler.Stop()
	link.Close()
	return nil
}
