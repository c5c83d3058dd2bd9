// Package config loads the trust-anchor and cluster-parameter surface of
// spec.md §6: cluster size N, threshold t, this node's node_id, the roster
// of (node_id, public_key, address) entries, and listen/dial addresses.
// Grounded on the original single-validator Config/Load/createDefault
// pattern, generalized from one validator key to a full roster. The
// operator-facing process config (flags, env, RPC bind address) remains
// out of scope per SPEC_FULL.md §3.3.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"bftquorum/identity"
)

// RosterPeer is one entry of the trust-anchor roster.
type RosterPeer struct {
	NodeID    int    `toml:"NodeID"`
	PublicKey string `toml:"PublicKey"` // hex-encoded uncompressed SEC1 public key
	Address   string `toml:"Address"`
}

// Config is the trust anchor: everything the core subsystems need to know
// about the cluster before they can start.
type Config struct {
	ClusterID    string       `toml:"ClusterID"`
	N            int          `toml:"N"`
	Threshold    int          `toml:"Threshold"`
	NodeID       int          `toml:"NodeID"`
	ListenAddr   string       `toml:"ListenAddr"`
	KeystorePath string       `toml:"KeystorePath"`
	Roster       []RosterPeer `toml:"Roster"`
}

// Validate checks the cluster-parameter constraint of spec.md §9:
// ⌊(N+1)/2⌋ ≤ t ≤ N, plus basic roster consistency.
func (c *Config) Validate() error {
	if c.N <= 0 {
		return fmt.Errorf("config: N must be positive, got %d", c.N)
	}
	if c.Threshold < (c.N+1)/2 || c.Threshold > c.N {
		return fmt.Errorf("config: threshold %d out of range for N=%d", c.Threshold, c.N)
	}
	if len(c.Roster) != c.N {
		return fmt.Errorf("config: roster has %d entries, want N=%d", len(c.Roster), c.N)
	}
	seen := make(map[int]bool, len(c.Roster))
	foundSelf := false
	for _, p := range c.Roster {
		if seen[p.NodeID] {
			return fmt.Errorf("config: duplicate node_id %d in roster", p.NodeID)
		}
		seen[p.NodeID] = true
		if p.NodeID == c.NodeID {
			foundSelf = true
		}
	}
	if !foundSelf {
		return fmt.Errorf("config: this node's node_id %d is not present in its own roster", c.NodeID)
	}
	return nil
}

// Load reads a trust-anchor file from path, or writes and returns a
// single-node default if the file does not exist yet (first bring-up).
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault writes a minimal single-node trust anchor, useful for local
// bring-up and tests; real clusters are expected to ship a roster with every
// peer's real public key out of band.
func createDefault(path string) (*Config, error) {
	priv, err := identity.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		ClusterID:  "dev-cluster",
		N:          1,
		Threshold:  1,
		NodeID:     0,
		ListenAddr: "127.0.0.1:7600",
		Roster: []RosterPeer{
			{NodeID: 0, PublicKey: hex.EncodeToString(priv.PubKey().Bytes()), Address: "127.0.0.1:7600"},
		},
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PublicKeys resolves every roster entry's hex-encoded public key into an
// identity.PublicKey, keyed by node_id.
func (c *Config) PublicKeys() (map[int]*identity.PublicKey, error) {
	out := make(map[int]*identity.PublicKey, len(c.Roster))
	for _, p := range c.Roster {
		raw, err := hex.DecodeString(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("config: node %d has malformed public key: %w", p.NodeID, err)
		}
		pub, err := identity.PublicKeyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("config: node %d has invalid public key: %w", p.NodeID, err)
		}
		out[p.NodeID] = pub
	}
	return out, nil
}
