package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/pipeline"
	"github.com/mil-ad/bandlog/internal/subscription"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what a running bandlog is recording",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStatus(cmd.OutOrStdout())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running bandlog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStop(cmd.OutOrStdout())
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status as JSON")
}

func ipcCall(req IPCRequest) (IPCResponse, error) {
	conn, err := net.Dial("unix", socketPath())
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to daemon: %w (is `bandlog run` running?)", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func runStatus(w io.Writer) error {
	resp, err := ipcCall(IPCRequest{Command: "status"})
	if err != nil {
		return err
	}
	if statusJSON {
		return json.NewEncoder(w).Encode(resp.Status)
	}
	printStatus(w, resp.Status)
	return nil
}

func runStop(w io.Writer) error {
	resp, err := ipcCall(IPCRequest{Command: "stop"})
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Stop requested.")
	printStatus(w, resp.Status)
	return nil
}

func printStatus(w io.Writer, st *pipeline.Status) {
	if st == nil {
		return
	}
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	if st.Running && st.Device != nil {
		bold.Fprintf(w, "Recording from %s", st.Device)
		if st.Since != nil {
			fmt.Fprintf(w, " for %s", time.Since(*st.Since).Round(time.Second))
		}
		fmt.Fprintln(w)
	} else {
		yellow.Fprintln(w, "Not connected")
	}
	fmt.Fprintf(w, "Output: %s\n", st.Dir)

	for _, s := range st.Sensors {
		state := yellow.Sprint(s.State)
		if s.State == subscription.StateStreaming {
			state = green.Sprint(s.State)
		}
		fmt.Fprintf(w, "  %-14s %-18s consent=%-8s %s (%d lines)\n", s.Sensor, state, consentLabel(s.Consent), s.File, s.Lines)
		if s.Error != "" {
			red.Fprintf(w, "  %-14s %s\n", "", s.Error)
		}
	}
}

func consentLabel(c band.Consent) string {
	if c == "" {
		return "-"
	}
	return string(c)
}
