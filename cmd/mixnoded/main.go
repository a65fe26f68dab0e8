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

package main

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/mixnet/config"
	"github.com/facebook/mixnet/drain"
	"github.com/facebook/mixnet/server"
	"github.com/facebook/mixnet/stats"
)

func main() {
	c := &config.Config{DynamicConfig: config.DefaultDynamicConfig()}

	flag.BoolVar(&c.EnableSIMD, "simd", true, "Use the vectorized crypto path")
	flag.IntVar(&c.DiscoveryPort, "discoveryport", 7947, "UDP port for bootstrap discovery")
	flag.IntVar(&c.ListenPort, "port", 7946, "TCP port for the data plane")
	flag.IntVar(&c.MaxInboundConns, "maxinbound", 512, "Maximum inbound connections")
	flag.IntVar(&c.MaxOutboundConns, "maxoutbound", 256, "Maximum outbound connections")
	flag.IntVar(&c.MemoryPoolSize, "pool", 1024, "Buffers retained per packet size class")
	flag.IntVar(&c.MonitoringPort, "monitoringport", 8888, "Port to run monitoring server on")
	flag.IntVar(&c.QueueSize, "queue", 4096, "Size of the packet worker queue")
	flag.IntVar(&c.SelectionCacheSize, "selectioncache", 1024, "Memoized path selections")
	flag.IntVar(&c.WorkerThreads, "workers", runtime.NumCPU(), "Set the number of packet workers")
	flag.StringVar(&c.AdvertiseAddress, "advertise", "", "Address other nodes reach this node at (host:port)")
	flag.StringVar(&c.BindAddress, "ip", "::", "IP to bind on")
	flag.StringVar(&c.ConfigFile, "config", "", "Path to a config with dynamic settings")
	flag.StringVar(&c.DebugAddr, "pprofaddr", "", "host:port for the pprof to bind")
	flag.StringVar(&c.KeyFile, "keyfile", "/etc/mixnoded/signing.key", "Long-term signing key location")
	flag.StringVar(&c.LogLevel, "loglevel", "warning", "Set a log level. Can be: debug, info, warning, error")
	flag.StringVar(&c.PidFile, "pidfile", "/var/run/mixnoded.pid", "Pid file location")
	flag.StringVar(&c.Region, "region", "north-america", "Declared region tag")
	flag.StringVar(&c.SnapshotFile, "snapshot", "/var/lib/mixnoded/peers.snapshot", "Peer registry snapshot location")
	flag.StringVar(&c.SphinxKeyFile, "sphinxkeyfile", "/etc/mixnoded/sphinx.key", "X25519 onion key location")
	flag.Uint64Var(&c.Stake, "stake", 1, "Declared stake")
	flag.Parse()

	switch c.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", c.LogLevel)
	}

	if c.ConfigFile != "" {
		dc, err := config.ReadDynamicConfig(c.ConfigFile)
		if err != nil {
			log.Fatal(err)
		}
		c.DynamicConfig = *dc
	}
	if err := c.Sanity(); err != nil {
		log.Fatal(err)
	}
	if c.AdvertiseAddress == "" {
		log.Fatal("An advertise address is required; peers must be able to reach this node")
	}

	if c.DebugAddr != "" {
		log.Warningf("Starting profiler on %s", c.DebugAddr)
		go func() {
			log.Println(http.ListenAndServe(c.DebugAddr, nil))
		}()
	}

	if c.PidFile != "" {
		if err := c.CreatePidFile(); err != nil {
			log.Fatalf("Failed to create pid file: %v", err)
		}
	}

	// Monitoring
	st := stats.NewJSONStats()
	go st.Start(c.MonitoringPort)

	// drain check
	check := &drain.FileDrain{FileName: "/var/tmp/kill_mixnoded"}
	checks := []drain.Drain{check}

	s := &server.Server{
		Config: c,
		Stats:  st,
		Checks: checks,
	}
	if err := s.Setup(); err != nil {
		log.Fatalf("Server setup failed: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		s.Stop()
	}()

	if err := s.Start(); err != nil {
		log.Fatalf("Server run failed: %v", err)
	}
}
