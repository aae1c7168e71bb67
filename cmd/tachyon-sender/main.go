// Command tachyon-sender submits a configurable mix of reliable and
// unreliable payloads to a remote Tachyon endpoint.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/tachyonflow/tachyonflow/internal/tachyon"
)

var configFile = flag.String("f", "configs/sender.yaml", "config file path")

// Config is the sender harness configuration.
type Config struct {
	Listen struct {
		Host string `yaml:"Host"`
		Port int    `yaml:"Port"`
	} `yaml:"Listen"`
	Remote struct {
		Host string `yaml:"Host"`
		Port int    `yaml:"Port"`
	} `yaml:"Remote"`
	Traffic struct {
		Count           int `yaml:"Count"`
		IntervalMs      int `yaml:"IntervalMs"`
		PayloadBytes    int `yaml:"PayloadBytes"`
		UnreliableEvery int `yaml:"UnreliableEvery"`
	} `yaml:"Traffic"`
	FEC struct {
		Enable       bool `yaml:"Enable"`
		DataShards   int  `yaml:"DataShards"`
		ParityShards int  `yaml:"ParityShards"`
	} `yaml:"FEC"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Listen.Host = "0.0.0.0"
	cfg.Listen.Port = 9001
	cfg.Remote.Host = "127.0.0.1"
	cfg.Remote.Port = 9000
	cfg.Traffic.Count = 100
	cfg.Traffic.IntervalMs = 10
	cfg.Traffic.PayloadBytes = 64
	cfg.Traffic.UnreliableEvery = 5
	cfg.FEC.DataShards = 10
	cfg.FEC.ParityShards = 3
	return cfg
}

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	epCfg := tachyon.DefaultConfig()
	epCfg.LocalHost = cfg.Listen.Host
	epCfg.LocalPort = cfg.Listen.Port
	epCfg.RemoteHost = cfg.Remote.Host
	epCfg.RemotePort = cfg.Remote.Port
	epCfg.FECEnabled = cfg.FEC.Enable
	epCfg.FECDataShards = cfg.FEC.DataShards
	epCfg.FECParityShards = cfg.FEC.ParityShards

	ep, err := tachyon.New(epCfg, logger)
	if err != nil {
		logger.Fatal("Failed to create endpoint", zap.Error(err))
	}
	defer ep.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	interval := time.Duration(cfg.Traffic.IntervalMs) * time.Millisecond
	for i := 0; i < cfg.Traffic.Count; i++ {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal", zap.String("signal", sig.String()))
			return
		default:
		}

		payload := makePayload(i, cfg.Traffic.PayloadBytes)
		reliable := cfg.Traffic.UnreliableEvery == 0 || (i+1)%cfg.Traffic.UnreliableEvery != 0
		if err := ep.Send(payload, reliable); err != nil {
			logger.Error("send failed", zap.Int("msg", i), zap.Error(err))
			return
		}
		time.Sleep(interval)
	}

	// Let the window drain before shutting down.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if ep.Stats()["inflight"] == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	stats := ep.Stats()
	logger.Info("traffic complete",
		zap.Uint64("sent", stats["sent"]),
		zap.Uint64("retransmitted", stats["retransmitted"]),
		zap.Uint64("acked", stats["acked"]),
		zap.Uint64("inflight", stats["inflight"]),
		zap.Uint64("srtt_ms", stats["srtt_ms"]),
		zap.Uint64("rto_ms", stats["rto_ms"]))
}

func makePayload(i, size int) []byte {
	payload := []byte(fmt.Sprintf("msg-%06d ", i))
	for len(payload) < size {
		payload = append(payload, 'x')
	}
	return payload[:size]
}

func loadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("Config file not found, using default config\n")
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
