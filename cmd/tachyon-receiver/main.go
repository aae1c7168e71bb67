// Command tachyon-receiver binds a Tachyon endpoint, drains deliveries, and
// optionally serves Prometheus metrics over HTTP.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/tachyonflow/tachyonflow/internal/tachyon"
)

var configFile = flag.String("f", "configs/receiver.yaml", "config file path")

// Config is the receiver harness configuration.
type Config struct {
	Listen struct {
		Host string `yaml:"Host"`
		Port int    `yaml:"Port"`
	} `yaml:"Listen"`
	FEC struct {
		Enable       bool `yaml:"Enable"`
		DataShards   int  `yaml:"DataShards"`
		ParityShards int  `yaml:"ParityShards"`
	} `yaml:"FEC"`
	Metrics struct {
		Enable bool   `yaml:"Enable"`
		Addr   string `yaml:"Addr"`
	} `yaml:"Metrics"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Listen.Host = "0.0.0.0"
	cfg.Listen.Port = 9000
	cfg.FEC.DataShards = 10
	cfg.FEC.ParityShards = 3
	cfg.Metrics.Addr = ":9100"
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
	epCfg.FECEnabled = cfg.FEC.Enable
	epCfg.FECDataShards = cfg.FEC.DataShards
	epCfg.FECParityShards = cfg.FEC.ParityShards

	ep, err := tachyon.New(epCfg, logger)
	if err != nil {
		logger.Fatal("Failed to create endpoint", zap.Error(err))
	}

	if cfg.Metrics.Enable {
		go func() {
			handler := promhttp.HandlerFor(ep.MetricsRegistry(), promhttp.HandlerOpts{})
			http.Handle("/metrics", handler)
			if err := http.ListenAndServe(cfg.Metrics.Addr, nil); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var total uint64
	lastSeq := -1
	for {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal", zap.String("signal", sig.String()))
			ep.Close()
			logger.Info("Done", zap.Uint64("delivered", total))
			return

		case <-ticker.C:
			for {
				d, ok := ep.Receive()
				if !ok {
					break
				}
				total++
				if d.Reliable {
					if lastSeq >= 0 && int(d.Seq) != lastSeq+1 {
						logger.Warn("gap in delivered sequences",
							zap.Int("last", lastSeq),
							zap.Uint16("seq", d.Seq))
					}
					lastSeq = int(d.Seq)
					logger.Info("reliable delivery",
						zap.Uint16("seq", d.Seq),
						zap.Int("bytes", len(d.Payload)),
						zap.Uint32("rtt_ms", d.RTT))
				} else {
					logger.Info("unreliable delivery",
						zap.Int("bytes", len(d.Payload)),
						zap.Uint32("latency_ms", d.RTT))
				}
			}
		}
	}
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
