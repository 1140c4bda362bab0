package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/consent"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List paired bands and show which one bandlog would use",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// listing never prompts
		manager, closeBackend, err := openBackend(cfg, consent.NewLedger(consent.Static(false)), zerolog.Nop())
		if err != nil {
			return err
		}
		defer closeBackend()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout())
		defer cancel()
		devices, err := manager.PairedDevices(ctx)
		if err != nil {
			return fmt.Errorf("list paired devices: %w", err)
		}
		printDevices(cmd.OutOrStdout(), devices, cfg.Device.Address)
		return nil
	},
}

// printDevices lists devices and marks the one Connect would pick.
func printDevices(w io.Writer, devices []band.Device, addr string) {
	if len(devices) == 0 {
		color.New(color.FgYellow).Fprintln(w, "No paired devices")
		return
	}

	selected := -1
	for i, d := range devices {
		if (addr == "" && i == 0) || strings.EqualFold(d.Address, addr) {
			selected = i
			break
		}
	}

	green := color.New(color.FgGreen)
	for i, d := range devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		if i == selected {
			green.Fprintf(w, "* %s  %s\n", d.Address, name)
		} else {
			fmt.Fprintf(w, "  %s  %s\n", d.Address, name)
		}
	}
}
