/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package config holds the mixnode configuration. Static options require a
restart; dynamic options can be re-read from the YAML config file while the
node is serving.
*/
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

var (
	errBadReputationFloor = errors.New("reputation floor is outside of [0, 1]")
	errBadLearningRate    = errors.New("reputation learning rates must be in (0, 1]")
	errBadPathLength      = errors.New("path length must be at least 1")
	errBadMixDelay        = errors.New("mix delay mean must be positive")
	errBadCoverRatio      = errors.New("cover traffic ratio is outside of [0, 1]")
	errBadBreaker         = errors.New("circuit breaker threshold is outside of (0, 1]")
)

// StaticConfig is a set of static options which require a server restart
type StaticConfig struct {
	AdvertiseAddress   string
	BindAddress        string
	ConfigFile         string
	DebugAddr          string
	DiscoveryPort      int
	EnableSIMD         bool
	KeyFile            string
	ListenPort         int
	LogLevel           string
	MaxInboundConns    int
	MaxOutboundConns   int
	MemoryPoolSize     int
	MonitoringPort     int
	PidFile            string
	QueueSize          int
	Region             string
	SelectionCacheSize int
	SnapshotFile       string
	SphinxKeyFile      string
	Stake              uint64
	WorkerThreads      int
}

// DynamicConfig is a set of dynamic options which don't need a server restart
type DynamicConfig struct {
	// Alpha is the reputation gain applied on a successful gossip exchange
	Alpha float64 `yaml:"alpha"`
	// BanDuration is how long a repeat offender stays blocklisted
	BanDuration time.Duration `yaml:"ban_duration"`
	// Beta is the reputation decay applied on a failed gossip exchange
	Beta float64 `yaml:"beta"`
	// BootstrapPeers are host:port discovery addresses tried at startup
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	// BurstPerSource is the per-source token bucket burst
	BurstPerSource int `yaml:"burst_per_source"`
	// CBThreshold is the rolling failure ratio which opens a breaker
	CBThreshold float64 `yaml:"cb_threshold"`
	// CBTimeout is how long a breaker stays open before a probe
	CBTimeout time.Duration `yaml:"cb_timeout"`
	// ConnectionTimeout bounds transport session establishment
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	// CoverTrafficRatio sets the cover packet rate: one cover packet every
	// MixDelayMean / CoverTrafficRatio
	CoverTrafficRatio float64 `yaml:"cover_traffic_ratio"`
	// DrainDeadline bounds how long shutdown waits for queued and in-flight
	// packets before the remainder is dropped
	DrainDeadline time.Duration `yaml:"drain_deadline"`
	// DrainInterval is an interval for drain checks
	DrainInterval time.Duration `yaml:"drain_interval"`
	// GlobalRPS caps total admitted requests per second
	GlobalRPS float64 `yaml:"global_rps"`
	// GossipFanout is how many peers are contacted per gossip round
	GossipFanout int `yaml:"gossip_fanout"`
	// GossipInterval is the steady-state gossip period
	GossipInterval time.Duration `yaml:"gossip_interval"`
	// GossipTimeout bounds one gossip exchange
	GossipTimeout time.Duration `yaml:"gossip_timeout"`
	// MaxPacketRate is the node-wide sphinx packet admission rate
	MaxPacketRate float64 `yaml:"max_packet_rate"`
	// MetricInterval is how often the reported stats snapshot is refreshed
	MetricInterval time.Duration `yaml:"metric_interval"`
	// MixDelayMean is the mean of the exponential mix delay
	MixDelayMean time.Duration `yaml:"mix_delay_mean"`
	// PathLength is the default cover path hop count
	PathLength int `yaml:"path_length"`
	// PeerTimeout is how long an unseen peer survives in the registry
	PeerTimeout time.Duration `yaml:"peer_timeout"`
	// ReadTimeout bounds a single framed message read
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// RegionPolicy selects the load balancing strategy
	RegionPolicy string `yaml:"region_policy"`
	// ReputationFloor hides peers below it from path selection
	ReputationFloor float64 `yaml:"reputation_floor"`
	// RPSPerSource is the per-source token bucket refill rate
	RPSPerSource float64 `yaml:"rps_per_source"`
	// TopologyRefresh is the period of registry pruning, idle session reaping
	// and peer exchange, and the length of a path selection epoch
	TopologyRefresh time.Duration `yaml:"topology_refresh"`
	// ViolationThreshold is violations per window before throttling hardens
	ViolationThreshold int `yaml:"violation_threshold"`
	// Whitelist sources bypass the rate limiter
	Whitelist []string `yaml:"whitelist"`
}

// Config is a server config structure
type Config struct {
	StaticConfig
	DynamicConfig
}

// DefaultDynamicConfig returns the defaults the daemon starts with before the
// config file is applied.
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		Alpha:              0.1,
		BanDuration:        5 * time.Minute,
		Beta:               0.2,
		BurstPerSource:     50,
		CBThreshold:        0.5,
		CBTimeout:          30 * time.Second,
		ConnectionTimeout:  30 * time.Second,
		CoverTrafficRatio:  0.1,
		DrainDeadline:      10 * time.Second,
		DrainInterval:      30 * time.Second,
		GlobalRPS:          10000,
		GossipFanout:       3,
		GossipInterval:     30 * time.Second,
		GossipTimeout:      15 * time.Second,
		MaxPacketRate:      1000,
		MetricInterval:     1 * time.Minute,
		MixDelayMean:       50 * time.Millisecond,
		PathLength:         3,
		PeerTimeout:        10 * time.Minute,
		ReadTimeout:        10 * time.Second,
		RegionPolicy:       "adaptive",
		ReputationFloor:    0.2,
		RPSPerSource:       100,
		TopologyRefresh:    1 * time.Minute,
		ViolationThreshold: 10,
	}
}

// Sanity checks that dynamic values are usable together.
func (dc *DynamicConfig) Sanity() error {
	if dc.ReputationFloor < 0 || dc.ReputationFloor > 1 {
		return errBadReputationFloor
	}
	if dc.Alpha <= 0 || dc.Alpha > 1 || dc.Beta <= 0 || dc.Beta > 1 {
		return errBadLearningRate
	}
	if dc.PathLength < 1 {
		return errBadPathLength
	}
	if dc.MixDelayMean <= 0 {
		return errBadMixDelay
	}
	if dc.CoverTrafficRatio < 0 || dc.CoverTrafficRatio > 1 {
		return errBadCoverRatio
	}
	if dc.CBThreshold <= 0 || dc.CBThreshold > 1 {
		return errBadBreaker
	}
	return nil
}

// ReadDynamicConfig reads dynamic settings from a YAML file.
func ReadDynamicConfig(path string) (*DynamicConfig, error) {
	dc := DefaultDynamicConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(cData, &dc)
	if err != nil {
		return nil, err
	}

	if err := dc.Sanity(); err != nil {
		return nil, err
	}

	return &dc, nil
}

// Write stores the dynamic settings to a YAML file.
func (dc *DynamicConfig) Write(path string) error {
	d, err := yaml.Marshal(&dc)
	if err != nil {
		return err
	}

	return os.WriteFile(path, d, 0644)
}

// MixDelayCeiling is the hard cap on a single mix delay.
func (dc *DynamicConfig) MixDelayCeiling() time.Duration {
	return 10 * dc.MixDelayMean
}

// ListenAddr returns the TCP data plane bind address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.ListenPort))
}

// DiscoveryAddr returns the UDP discovery bind address.
func (c *Config) DiscoveryAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.DiscoveryPort))
}

// CreatePidFile creates a pid file in a defined location
func (c *Config) CreatePidFile() error {
	return os.WriteFile(c.PidFile, []byte(fmt.Sprintf("%d\n", unix.Getpid())), 0644)
}

// DeletePidFile deletes a pid file from a defined location
func (c *Config) DeletePidFile() error {
	return os.Remove(c.PidFile)
}

// ReadPidFile read a pid file from a path location and returns a pid
func ReadPidFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.Replace(string(content), "\n", "", -1))
}
