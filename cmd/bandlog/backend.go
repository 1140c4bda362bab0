package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/bluez"
	"github.com/mil-ad/bandlog/internal/config"
	"github.com/mil-ad/bandlog/internal/consent"
	"github.com/mil-ad/bandlog/internal/sim"
)

// newLedger builds the consent ledger for the configured consent mode.
func newLedger(cfg *config.Config) *consent.Ledger {
	var p consent.Prompter
	switch cfg.Consent.Mode {
	case "grant":
		p = consent.Static(true)
	case "deny":
		p = consent.Static(false)
	default:
		p = consent.TerminalPrompter{Device: cfg.Device.Address}
	}
	return consent.NewLedger(p, cfg.GrantedKinds()...)
}

// openBackend returns the band.Manager for the configured backend and a
// function releasing it.
func openBackend(cfg *config.Config, ledger *consent.Ledger, logger zerolog.Logger) (band.Manager, func(), error) {
	switch cfg.Device.Backend {
	case "sim":
		logger.Warn().Dur("interval", cfg.SimInterval()).Msg("Using simulated band")
		return sim.NewDefault(cfg.SimInterval(), ledger), func() {}, nil
	case "bluez":
		m, err := bluez.Open(bluez.Config{
			Adapter:           cfg.BlueZ.Adapter,
			HeartRateUUID:     cfg.BlueZ.HeartRateUUID,
			AccelerometerUUID: cfg.BlueZ.AccelerometerUUID,
			Consent:           ledger,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return m, func() {
			if err := m.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close D-Bus connection")
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Device.Backend)
}

func bandConnectOptions(cfg *config.Config) band.ConnectOptions {
	return band.ConnectOptions{
		Address: cfg.Device.Address,
		Timeout: cfg.ConnectTimeout(),
	}
}
