package main

import "github.com/mil-ad/bandlog/internal/pipeline"

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command string `json:"command"` // "status" | "stop"
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	Status *pipeline.Status `json:"status,omitempty"`
	Error  string           `json:"error,omitempty"`
}
