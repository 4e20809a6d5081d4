// Package config loads the replication daemon's configuration surface
// (spec.md §6) from an HCL file, with environment overrides for the
// values operators most often need to tweak per-deployment without
// editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/pkg/errors"
)

// PeerFile is one `peer` block in the HCL file.
type PeerFile struct {
	Name     string `hcl:"name,label"`
	URI      string `hcl:"uri"`
	User     string `hcl:"user,optional"`
	Password string `hcl:"password,optional"`
}

// File is the raw decoded shape of the HCL configuration file.
type File struct {
	InstanceUUID                  string     `hcl:"instance_uuid"`
	ReplicasetUUID                string     `hcl:"replicaset_uuid,optional"`
	ReplicationTimeout             int       `hcl:"replication_timeout,optional"`
	ReplicationReconnectInterval   int       `hcl:"replication_reconnect_interval,optional"`
	ReplicationDisconnectTimeout   int       `hcl:"replication_disconnect_timeout,optional"`
	ReplicationSyncLag             int       `hcl:"replication_sync_lag,optional"`
	ReplicationSkipConflict        bool      `hcl:"replication_skip_conflict,optional"`
	Peers                          []PeerFile `hcl:"peer,block"`
}

// Peer is one resolved master this process applies from.
type Peer struct {
	Name     string
	URI      string
	User     string
	Password string
}

// Config is the resolved, typed configuration consumed by cmd/replicorefd,
// after defaulting and REPLICORE_* environment overrides are applied.
type Config struct {
	InstanceUUID      string
	ReplicasetUUID    string
	ReplicationTimeout           time.Duration
	ReplicationReconnectInterval time.Duration
	ReplicationDisconnectTimeout time.Duration
	ReplicationSyncLag           time.Duration
	ReplicationSkipConflict      bool
	Peers                        []Peer
}

const (
	defaultReplicationTimeout           = time.Second
	defaultReplicationReconnectInterval = time.Second
	defaultReplicationDisconnectTimeout = 4 * time.Second
	defaultReplicationSyncLag           = 5 * time.Second
)

// Load reads and decodes the HCL file at path, applies defaults for
// unset values, and overlays any REPLICORE_* environment variables
// present (spec.md §6: "per-applier URI" plus the five replication_*
// options), matching the teacher stack's layered
// file-then-environment convention.
func Load(path string) (*Config, error) {
	var f File
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return nil, errors.Wrapf(err, "decoding config file %q", path)
	}

	var cfg = &Config{
		InstanceUUID:                 f.InstanceUUID,
		ReplicasetUUID:               f.ReplicasetUUID,
		ReplicationTimeout:           durationOrDefault(f.ReplicationTimeout, defaultReplicationTimeout),
		ReplicationReconnectInterval: durationOrDefault(f.ReplicationReconnectInterval, defaultReplicationReconnectInterval),
		ReplicationDisconnectTimeout: durationOrDefault(f.ReplicationDisconnectTimeout, defaultReplicationDisconnectTimeout),
		ReplicationSyncLag:           durationOrDefault(f.ReplicationSyncLag, defaultReplicationSyncLag),
		ReplicationSkipConflict:      f.ReplicationSkipConflict,
	}
	for _, p := range f.Peers {
		cfg.Peers = append(cfg.Peers, Peer{Name: p.Name, URI: p.URI, User: p.User, Password: p.Password})
	}

	applyEnvOverrides(cfg)

	if cfg.InstanceUUID == "" {
		return nil, errors.New("config: instance_uuid is required")
	}
	if len(cfg.Peers) == 0 {
		return nil, errors.New("config: at least one peer block is required")
	}
	for _, p := range cfg.Peers {
		if p.URI == "" {
			return nil, errors.Errorf("config: peer %q is missing a uri", p.Name)
		}
	}
	return cfg, nil
}

func durationOrDefault(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("REPLICORE_INSTANCE_UUID"); ok {
		cfg.InstanceUUID = v
	}
	if v, ok := os.LookupEnv("REPLICORE_REPLICASET_UUID"); ok {
		cfg.ReplicasetUUID = v
	}
	if v, ok := envSeconds("REPLICORE_REPLICATION_TIMEOUT"); ok {
		cfg.ReplicationTimeout = v
	}
	if v, ok := envSeconds("REPLICORE_REPLICATION_RECONNECT_INTERVAL"); ok {
		cfg.ReplicationReconnectInterval = v
	}
	if v, ok := envSeconds("REPLICORE_REPLICATION_DISCONNECT_TIMEOUT"); ok {
		cfg.ReplicationDisconnectTimeout = v
	}
	if v, ok := envSeconds("REPLICORE_REPLICATION_SYNC_LAG"); ok {
		cfg.ReplicationSyncLag = v
	}
	if v, ok := os.LookupEnv("REPLICORE_REPLICATION_SKIP_CONFLICT"); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.ReplicationSkipConflict = parsed
		}
	}
}

func envSeconds(name string) (time.Duration, bool) {
	var v, ok = os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	var seconds, err = strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// String renders a config summary safe to log (never includes
// passwords).
func (c *Config) String() string {
	return fmt.Sprintf("instance=%s replicaset=%s peers=%d skip_conflict=%v",
		c.InstanceUUID, c.ReplicasetUUID, len(c.Peers), c.ReplicationSkipConflict)
}
