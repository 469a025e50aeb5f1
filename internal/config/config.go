package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

// Duration accepts "30s" style strings in the YAML file while remaining a
// plain time.Duration for callers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Settings holds the engine-wide defaults. All fields are optional in the
// YAML file; zero values fall back to the defaults below.
type Settings struct {
	DataDir        string   `yaml:"dataDir"`
	DownloadDir    string   `yaml:"downloadDir"`
	Connections    int      `yaml:"connections"`
	MaxRetries     int      `yaml:"maxRetries"`
	MinSegmentSize int64    `yaml:"minSegmentSize"`
	SpeedLimit     int64    `yaml:"speedLimit"` // bytes/sec, 0 = unlimited
	UserAgent      string   `yaml:"userAgent"`
	ProxyURL       string   `yaml:"proxyUrl"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
	ReceiveTimeout Duration `yaml:"receiveTimeout"`
	VerifyTLS      *bool    `yaml:"verifyTls"`
}

const (
	DefaultConnections    = 8
	MaxConnections        = 32
	DefaultMaxRetries     = 20
	DefaultMinSegmentSize = 64 * 1024
	DefaultConnectTimeout = Duration(30 * time.Second)
	DefaultReceiveTimeout = Duration(60 * time.Second)
)

func Default() Settings {
	home, _ := os.UserHomeDir()
	verify := true
	return Settings{
		DataDir:        filepath.Join(home, ".idm-clone"),
		DownloadDir:    ".",
		Connections:    DefaultConnections,
		MaxRetries:     DefaultMaxRetries,
		MinSegmentSize: DefaultMinSegmentSize,
		UserAgent:      utils.ToolUserAgent,
		ConnectTimeout: DefaultConnectTimeout,
		ReceiveTimeout: DefaultReceiveTimeout,
		VerifyTLS:      &verify,
	}
}

// Load reads settings from a YAML file, filling unset fields with defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (Settings, error) {
	log := utils.GetLogger("config")
	settings := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("error reading config file: %v", err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("error parsing config file: %v", err)
	}
	settings.applyDefaults()
	log.Debug().Str("path", path).Msg("Settings loaded")
	return settings, nil
}

func (s *Settings) applyDefaults() {
	def := Default()
	if s.DataDir == "" {
		s.DataDir = def.DataDir
	}
	if s.DownloadDir == "" {
		s.DownloadDir = def.DownloadDir
	}
	if s.Connections <= 0 {
		s.Connections = def.Connections
	}
	if s.Connections > MaxConnections {
		s.Connections = MaxConnections
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = def.MaxRetries
	}
	if s.MinSegmentSize <= 0 {
		s.MinSegmentSize = def.MinSegmentSize
	}
	if s.UserAgent == "" {
		s.UserAgent = def.UserAgent
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = def.ConnectTimeout
	}
	if s.ReceiveTimeout <= 0 {
		s.ReceiveTimeout = def.ReceiveTimeout
	}
	if s.VerifyTLS == nil {
		s.VerifyTLS = def.VerifyTLS
	}
}
