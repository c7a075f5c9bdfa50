package harness

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// BrokerConfig describes how to launch a substrate's backing broker for a
// run. Substrates without one (mem, grpc) simply omit it.
type BrokerConfig struct {
	Command     []string      `mapstructure:"command"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// Config holds the harness-level settings for a benchmark campaign.
type Config struct {
	SenderBin   string `mapstructure:"sender_bin"`
	ReceiverBin string `mapstructure:"receiver_bin"`

	DataPath   string `mapstructure:"data_path"`
	ReportPath string `mapstructure:"report_path"`
	LogDir     string `mapstructure:"log_dir"`

	Receivers      int `mapstructure:"receivers"`
	AsyncReceivers int `mapstructure:"async_receivers"`

	SenderTimeout time.Duration `mapstructure:"sender_timeout"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`

	Brokers map[string]BrokerConfig `mapstructure:"brokers"`
}

// LoadConfig reads bench.yaml from the given directory, falling back to
// defaults when the file is absent. Any other read error is fatal.
func LoadConfig(dir string) (Config, error) {
	v := viper.New()
	v.SetConfigName("bench")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetDefault("sender_bin", "./bench-sender")
	v.SetDefault("receiver_bin", "./bench-receiver")
	v.SetDefault("data_path", "test_data.json")
	v.SetDefault("report_path", "report.txt")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("receivers", 3)
	v.SetDefault("async_receivers", 0)
	v.SetDefault("sender_timeout", "120s")
	v.SetDefault("stop_grace", "5s")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read bench config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse bench config: %w", err)
	}
	return cfg, nil
}
