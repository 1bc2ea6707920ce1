// Package config holds node configuration and the network-wide consensus
// constants. Everything is loaded from TOML at program startup.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"

	"pouw/core/header"
)

// Duration decodes TOML strings like "750ms".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Node      NodeConfig
	Consensus Consensus
	Orphans   OrphanConfig
	Gossip    GossipConfig
	Network   NetworkConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

type NodeConfig struct {
	DataDir      string
	Mine         bool
	MinerAddress string
	MinerTier    string
}

// Tier bounds the problem size a miner may claim.
type Tier struct {
	Name    string
	MinSize int
	MaxSize int
}

// Consensus constants must be identical on every node of a network. Their
// digest is committed in the genesis block and in every payload, so a node
// running different constants cannot join the chain.
type Consensus struct {
	Version       uint32
	ProblemFamily string
	Tiers         []Tier

	KDeflation float64
	KDiversity float64
	MinReward  float64
	MaxBonus   float64
	MinFloor   float64

	ScoreEpsilon    float64
	RewardTolerance float64
	GasTolerance    float64

	GasBase         float64
	GasPerSize      float64
	GasPerAsymmetry float64
	Decimals        int32

	NetworkWindow    int
	MaxFutureDrift   Duration
	GenesisTimestamp float64
}

type OrphanConfig struct {
	Capacity     int
	TTL          Duration
	ScanInterval Duration
}

type GossipConfig struct {
	BaseInterval       Duration
	ControlInterval    Duration
	Gain               float64
	TargetSuccess      float64
	TargetDuplication  float64
	MinPressure        float64
	MaxPressure        float64
	StabilityThreshold float64
	DeviationTicks     int
	DedupWindow        Duration
	DedupCapacity      int
	PendingCapacity    int
	PeerTimeout        Duration
	PeerStaleAfter     Duration
	Workers            int
}

type NetworkConfig struct {
	ListenAddrs    []string
	Peers          []string
	BeaconInterval Duration
}

type LogConfig struct {
	Level string
}

type MetricsConfig struct {
	ListenAddr string
}

// Tier returns the named tier.
func (c *Consensus) Tier(name string) (Tier, bool) {
	for _, t := range c.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// Digest is the sha3 of the canonical JSON encoding of the constants.
func (c *Consensus) Digest() header.Hash256 {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("encode consensus params: %v", err))
	}
	return header.Sum(raw)
}

func DefaultConsensus() Consensus {
	return Consensus{
		Version:       1,
		ProblemFamily: "subset-sum",
		Tiers: []Tier{
			{Name: "basic", MinSize: 8, MaxSize: 20},
			{Name: "standard", MinSize: 16, MaxSize: 32},
			{Name: "pro", MinSize: 28, MaxSize: 40},
		},
		KDeflation:       1e-6,
		KDiversity:       0.01,
		MinReward:        0.001,
		MaxBonus:         1.5,
		MinFloor:         0.1,
		ScoreEpsilon:     1e-9,
		RewardTolerance:  1e-6,
		GasTolerance:     1e-6,
		GasBase:          21,
		GasPerSize:       4,
		GasPerAsymmetry:  8,
		Decimals:         9,
		NetworkWindow:    64,
		MaxFutureDrift:   Duration(2 * time.Minute),
		GenesisTimestamp: 1735689600,
	}
}

func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:   "~/.pouw",
			MinerTier: "basic",
		},
		Consensus: DefaultConsensus(),
		Orphans: OrphanConfig{
			Capacity:     1024,
			TTL:          Duration(10 * time.Minute),
			ScanInterval: Duration(30 * time.Second),
		},
		Gossip: GossipConfig{
			BaseInterval:       Duration(time.Second),
			ControlInterval:    Duration(2 * time.Second),
			Gain:               0.05,
			TargetSuccess:      1.0,
			TargetDuplication:  0.0,
			MinPressure:        0.25,
			MaxPressure:        2.0,
			StabilityThreshold: 0.15,
			DeviationTicks:     5,
			DedupWindow:        Duration(2 * time.Minute),
			DedupCapacity:      8192,
			PendingCapacity:    512,
			PeerTimeout:        Duration(5 * time.Second),
			PeerStaleAfter:     Duration(2 * time.Minute),
			Workers:            8,
		},
		Network: NetworkConfig{
			ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/4101"},
			BeaconInterval: Duration(5 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// FromFile loads config from path. A missing file yields the defaults.
func FromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		return Default(), nil
	case err != nil:
		return nil, err
	}
	defer file.Close() //nolint:errcheck // read only
	return FromReader(file, Default())
}

// FromReader decodes TOML on top of def.
func FromReader(reader io.Reader, def *Config) (*Config, error) {
	cfg := *def
	if _, err := toml.NewDecoder(reader).Decode(&cfg); err != nil {
		return nil, xerrors.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ExpandDataDir resolves a leading ~ in Node.DataDir.
func (c *Config) ExpandDataDir() (string, error) {
	return homedir.Expand(c.Node.DataDir)
}

func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return errors.New("node.DataDir must not be empty")
	}
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	if c.Orphans.Capacity <= 0 {
		return fmt.Errorf("orphans.Capacity must be positive, got %d", c.Orphans.Capacity)
	}
	if c.Orphans.TTL <= 0 || c.Orphans.ScanInterval <= 0 {
		return errors.New("orphans.TTL and orphans.ScanInterval must be positive")
	}
	g := c.Gossip
	if g.BaseInterval <= 0 || g.ControlInterval <= 0 || g.PeerTimeout <= 0 {
		return errors.New("gossip intervals and PeerTimeout must be positive")
	}
	if g.DeviationTicks <= 0 {
		return fmt.Errorf("gossip.DeviationTicks must be positive, got %d", g.DeviationTicks)
	}
	if c.Network.BeaconInterval <= 0 {
		return errors.New("network.BeaconInterval must be positive")
	}
	if g.MinPressure <= 0 || g.MaxPressure < g.MinPressure {
		return fmt.Errorf("gossip pressure bounds invalid: [%v, %v]", g.MinPressure, g.MaxPressure)
	}
	if crit := 1 / math.Sqrt2; crit < g.MinPressure || crit > g.MaxPressure {
		return fmt.Errorf("gossip pressure bounds [%v, %v] exclude the critical point", g.MinPressure, g.MaxPressure)
	}
	if g.PendingCapacity <= 0 || g.DedupCapacity <= 0 {
		return errors.New("gossip capacities must be positive")
	}
	if c.Node.Mine {
		if c.Node.MinerAddress == "" {
			return errors.New("node.MinerAddress is required when mining")
		}
		if _, ok := c.Consensus.Tier(c.Node.MinerTier); !ok {
			return fmt.Errorf("unknown miner tier %q", c.Node.MinerTier)
		}
	}
	return nil
}

func (c *Consensus) Validate() error {
	if c.ProblemFamily == "" {
		return errors.New("consensus.ProblemFamily must not be empty")
	}
	if len(c.Tiers) == 0 {
		return errors.New("consensus.Tiers must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Tiers))
	for _, t := range c.Tiers {
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("duplicate tier %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.MinSize <= 0 || t.MaxSize < t.MinSize {
			return fmt.Errorf("tier %q has invalid bounds [%d, %d]", t.Name, t.MinSize, t.MaxSize)
		}
	}
	if c.MinFloor <= 0 || c.MinFloor > 1 {
		return fmt.Errorf("consensus.MinFloor must be in (0, 1], got %v", c.MinFloor)
	}
	if c.MaxBonus < 1 {
		return fmt.Errorf("consensus.MaxBonus must be >= 1, got %v", c.MaxBonus)
	}
	if c.KDeflation < 0 || c.KDiversity < 0 || c.MinReward < 0 {
		return errors.New("consensus coefficients must not be negative")
	}
	if c.NetworkWindow <= 0 {
		return errors.New("consensus.NetworkWindow must be positive")
	}
	return nil
}
