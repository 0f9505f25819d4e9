package types

import (
	"fmt"
	"time"
)

// DaemonState represents daemon lifecycle states
type DaemonState string

const (
	StateStopped       DaemonState = "stopped"
	StateStarting      DaemonState = "starting"
	StateBootstrapping DaemonState = "bootstrapping"
	StateConnected     DaemonState = "connected"
	StateError         DaemonState = "error"
	StateStopping      DaemonState = "stopping"
)

// Running reports whether the state denotes a live or starting daemon.
func (s DaemonState) Running() bool {
	return s == StateStarting || s == StateBootstrapping || s == StateConnected
}

// ProxyConfig describes the SOCKS endpoint the browser layer should use
type ProxyConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Type string `json:"type"`
}

// Rules renders the proxy configuration as a browser proxy-rules string.
func (p ProxyConfig) Rules() string {
	return fmt.Sprintf("%s://%s:%d", p.Type, p.Host, p.Port)
}

// Restrictions holds applied node-set restrictions in bracketed form
type Restrictions struct {
	AllowedCountries  []string `json:"allowed_countries"`
	ExcludedCountries []string `json:"excluded_countries"`
}

// ExitNode describes the current exit relay as last observed
type ExitNode struct {
	IP           string       `json:"ip,omitempty"`
	Country      string       `json:"country,omitempty"`
	Restrictions Restrictions `json:"restrictions"`
}

// BridgeInfo summarizes bridge configuration for the status surface
type BridgeInfo struct {
	Enabled   bool   `json:"enabled"`
	Transport string `json:"transport,omitempty"`
	Count     int    `json:"count"`
}

// IsolationInfo summarizes stream-isolation configuration
type IsolationInfo struct {
	Mode       string `json:"mode"`
	BasePort   int    `json:"base_port"`
	PortWindow int    `json:"port_window"`
	Allocated  int    `json:"allocated"`
}

// ConsensusWindow holds the network consensus validity timestamps
type ConsensusWindow struct {
	ValidAfter time.Time `json:"valid_after"`
	FreshUntil time.Time `json:"fresh_until"`
	ValidUntil time.Time `json:"valid_until"`
}

// Telemetry holds on-demand bandwidth and consensus readings
type Telemetry struct {
	BytesRead          int64            `json:"bytes_read"`
	BytesWritten       int64            `json:"bytes_written"`
	Version            string           `json:"version,omitempty"`
	CircuitEstablished bool             `json:"circuit_established"`
	Consensus          *ConsensusWindow `json:"consensus,omitempty"`
}

// OnionService describes an ephemeral hidden service
type OnionService struct {
	ServiceID  string `json:"service_id"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
	TargetHost string `json:"target_host"`
	TargetPort int    `json:"target_port"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Status is the read-only snapshot consumed by the browser layer
type Status struct {
	State             DaemonState   `json:"state"`
	ProcessRunning    bool          `json:"process_running"`
	Authenticated     bool          `json:"authenticated"`
	BootstrapProgress int           `json:"bootstrap_progress"`
	BootstrapPhase    string        `json:"bootstrap_phase,omitempty"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	ExitNode          *ExitNode     `json:"exit_node,omitempty"`
	Bridges           BridgeInfo    `json:"bridges"`
	Isolation         IsolationInfo `json:"isolation"`
	IdentityRotations uint64        `json:"identity_rotations"`
	OpenCircuits      int           `json:"open_circuits"`
	Proxy             ProxyConfig   `json:"proxy"`
}
