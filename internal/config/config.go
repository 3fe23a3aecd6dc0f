// Package config holds the node-wide configuration struct and its
// defaults, loaded from command-line flags with an optional YAML file
// overlay — the pattern the teacher uses in cmd/server/main.go (flags)
// generalized with gopkg.in/yaml.v3 for the file-based form other pack
// examples (nishisan-dev-n-backup's internal/config) use for anything
// beyond a handful of scalar options.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every recognized option from spec.md §6.
type Config struct {
	NodeID  string `yaml:"node_id"`
	NetworkID string `yaml:"network_id"`
	MyURL   string `yaml:"my_url"`

	AckTimeout                  time.Duration `yaml:"ack_timeout"`
	ReplyTimeout                time.Duration `yaml:"reply_timeout"`
	MaxIdleTimeBeforeRawClose   time.Duration `yaml:"max_idle_time_before_raw_close"`
	MaxRawConnectionEstablish   time.Duration `yaml:"max_rawconnection_establish_time"`
	SuspiciousNodeExpiration    time.Duration `yaml:"suspicious_node_expiration_time"`

	EnableRelay               bool          `yaml:"enable_relay"`
	AlwaysRelay               bool          `yaml:"always_relay"`
	RelayConnectionTimeout    time.Duration `yaml:"relay_connection_timeout"`
	RelayPathMaintenancePeriod time.Duration `yaml:"relay_path_maintenance_period"`
	MinimumRelayPaths         int           `yaml:"minimum_relay_paths"`
	IndirectNodeExpiration    time.Duration `yaml:"indirect_node_expiration_time"`

	StunServers          []string `yaml:"stun_servers"`
	TrickleSignaling     bool     `yaml:"trickle_signaling"`
	SignalingDisabled    bool     `yaml:"signaling_disabled"`

	PingPeriod           time.Duration `yaml:"ping_period"`
	RecoveryRetryPeriod  time.Duration `yaml:"recovery_retry_period"`
	NumberOfRetry        int           `yaml:"number_of_retry"`
	ExpireReceivedIDsTime time.Duration `yaml:"expire_received_ids_time"`

	// FingerRefreshPeriod controls the Kirin finger-table maintenance
	// loop's growth/refresh tick (spec.md §4.6).
	FingerRefreshPeriod time.Duration `yaml:"finger_refresh_period"`

	// MulticastFlushPeriod is the partial-reply flush timer of spec.md
	// §4.7's range-query engine.
	MulticastFlushPeriod time.Duration `yaml:"multicast_flush_period"`

	// Replication factor and quorum sizes for the optional KV store.
	// internal/kv reads only ReplicationFactor; WriteQuorum and
	// ReadQuorum are accepted but not consulted.
	ReplicationFactor int `yaml:"replication_factor"`
	WriteQuorum       int `yaml:"write_quorum"`
	ReadQuorum        int `yaml:"read_quorum"`

	// SuccessorListSize bounds the ring-walk pSuccessors list the KV
	// collaborator replicates and seeds against (spec.md §9's pSuccessors
	// open question).
	SuccessorListSize int `yaml:"successor_list_size"`

	DataDir      string `yaml:"data_dir"`
	ListenAddr   string `yaml:"listen_addr"`
	Peers        []string `yaml:"peers"`
}

// Defaults returns the configuration with every spec.md §6 default
// populated.
func Defaults() *Config {
	return &Config{
		NetworkID:                   "overlay-default",
		AckTimeout:                  5000 * time.Millisecond,
		ReplyTimeout:                6000 * time.Millisecond,
		MaxIdleTimeBeforeRawClose:   120 * time.Second,
		MaxRawConnectionEstablish:   6 * time.Second,
		SuspiciousNodeExpiration:    120 * time.Second,
		EnableRelay:                 true,
		AlwaysRelay:                 false,
		RelayConnectionTimeout:      15 * time.Second,
		RelayPathMaintenancePeriod:  30 * time.Second,
		MinimumRelayPaths:           3,
		IndirectNodeExpiration:      5 * time.Minute,
		StunServers:                 []string{"stun:stun.l.google.com:19302"},
		TrickleSignaling:            true,
		SignalingDisabled:           false,
		PingPeriod:                  10 * time.Second,
		RecoveryRetryPeriod:         2 * time.Second,
		NumberOfRetry:               5,
		ExpireReceivedIDsTime:       60 * time.Second,
		FingerRefreshPeriod:         15 * time.Second,
		MulticastFlushPeriod:        1 * time.Second,
		ReplicationFactor:           3,
		WriteQuorum:                 2,
		ReadQuorum:                  2,
		SuccessorListSize:           3,
		DataDir:                     "./data",
		ListenAddr:                  ":9000",
	}
}

// LoadYAML overlays file contents onto c. Missing file is not an error —
// the optional YAML layer is a convenience on top of flags, not a
// requirement (mirrors nishisan-dev-n-backup's optional config file).
func (c *Config) LoadYAML(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// BindFlags registers the identity, address, data-dir, KV replication
// and relay options on fs (the timing options have no flag and come from
// Defaults or the YAML file), defaulting to c's current
// values (set Defaults() first, then optionally LoadYAML, then
// BindFlags so flags take final precedence — matching the teacher's
// cmd/server/main.go flag layering).
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.NodeID, "id", c.NodeID, "stable node identity (generated if empty)")
	fs.StringVar(&c.NetworkID, "network-id", c.NetworkID, "hello-time namespace")
	fs.StringVar(&c.MyURL, "url", c.MyURL, "advertised URL for inbound byte-stream connections")
	fs.StringVar(&c.ListenAddr, "addr", c.ListenAddr, "control/debug HTTP listen address")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "KV store data directory")
	fs.IntVar(&c.ReplicationFactor, "n", c.ReplicationFactor, "KV replication factor")
	fs.IntVar(&c.WriteQuorum, "w", c.WriteQuorum, "KV write quorum")
	fs.IntVar(&c.ReadQuorum, "r", c.ReadQuorum, "KV read quorum")
	fs.BoolVar(&c.EnableRelay, "enable-relay", c.EnableRelay, "allow multi-hop relay paths")
	fs.BoolVar(&c.AlwaysRelay, "always-relay", c.AlwaysRelay, "force relay even when direct link is possible")
}
