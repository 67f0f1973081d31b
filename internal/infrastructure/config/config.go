package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	realRESTURL = "https://api.kiwoom.com"
	mockRESTURL = "https://mockapi.kiwoom.com"
	realWSURL   = "wss://api.kiwoom.com:10000/api/dostk/websocket"
	mockWSURL   = "wss://mockapi.kiwoom.com:10000/api/dostk/websocket"
)

// Duration 同时支持 "5s" 形式的字符串与整数秒
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		d.Duration = time.Duration(x) * time.Second
		return nil
	case string:
		return d.UnmarshalText([]byte(x))
	default:
		return fmt.Errorf("unsupported duration value %v", v)
	}
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int64
	if err := node.Decode(&secs); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	return d.UnmarshalText([]byte(node.Value))
}

type Config struct {
	App struct {
		Name       string `toml:"name" yaml:"name"`
		ListenAddr string `toml:"listen_addr" yaml:"listen_addr"`
		LogLevel   string `toml:"log_level" yaml:"log_level"`
		GinMode    string `toml:"gin_mode" yaml:"gin_mode"`
	} `toml:"app" yaml:"app"`

	Upstream struct {
		Real                   bool     `toml:"real" yaml:"real"`
		WsURL                  string   `toml:"ws_url" yaml:"ws_url"`
		RestURL                string   `toml:"rest_url" yaml:"rest_url"`
		AppKey                 string   `toml:"app_key" yaml:"app_key"`
		SecretKey              string   `toml:"secret_key" yaml:"secret_key"`
		HandshakeTimeout       Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
		WriteTimeout           Duration `toml:"write_timeout" yaml:"write_timeout"`
		IdleTimeout            Duration `toml:"idle_timeout" yaml:"idle_timeout"`
		ReconnectBaseDelay     Duration `toml:"reconnect_base_delay" yaml:"reconnect_base_delay"`
		MaxReconnectAttempts   uint     `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
		RequestTimeout         Duration `toml:"request_timeout" yaml:"request_timeout"`
		ConditionSearchTimeout Duration `toml:"condition_search_timeout" yaml:"condition_search_timeout"`
		MarketType             string   `toml:"market_type" yaml:"market_type"`
		ExitOnFatal            *bool    `toml:"exit_on_fatal" yaml:"exit_on_fatal"`
	} `toml:"upstream" yaml:"upstream"`

	Credential struct {
		Validity    Duration `toml:"validity" yaml:"validity"`
		HTTPTimeout Duration `toml:"http_timeout" yaml:"http_timeout"`
	} `toml:"credential" yaml:"credential"`

	Cache struct {
		Enabled       bool     `toml:"enabled" yaml:"enabled"`
		Addr          string   `toml:"addr" yaml:"addr"`
		Password      string   `toml:"password" yaml:"password"`
		DB            int      `toml:"db" yaml:"db"`
		Prefix        string   `toml:"prefix" yaml:"prefix"`
		SnapshotTTL   Duration `toml:"snapshot_ttl" yaml:"snapshot_ttl"`
		SeriesTTL     Duration `toml:"series_ttl" yaml:"series_ttl"`
		Writers       int      `toml:"writers" yaml:"writers"`
		QueueSize     int      `toml:"queue_size" yaml:"queue_size"`
		WriteTimeout  Duration `toml:"write_timeout" yaml:"write_timeout"`
		RecentDefault int      `toml:"recent_default" yaml:"recent_default"`
	} `toml:"cache" yaml:"cache"`

	Storage struct {
		SQLite struct {
			Enabled bool   `toml:"enabled" yaml:"enabled"`
			Path    string `toml:"path" yaml:"path"`
		} `toml:"sqlite" yaml:"sqlite"`

		Postgres struct {
			Enabled bool   `toml:"enabled" yaml:"enabled"`
			DSN     string `toml:"dsn" yaml:"dsn"`
		} `toml:"postgres" yaml:"postgres"`
	} `toml:"storage" yaml:"storage"`

	Stream struct {
		SendBuffer     int      `toml:"send_buffer" yaml:"send_buffer"`
		WriteWait      Duration `toml:"write_wait" yaml:"write_wait"`
		PongWait       Duration `toml:"pong_wait" yaml:"pong_wait"`
		MaxMessageSize int64    `toml:"max_message_size" yaml:"max_message_size"`
	} `toml:"stream" yaml:"stream"`

	// Profiles 按数据类型码覆盖字段抽取列表，例如 [profiles."0D"] fields = [...]
	Profiles map[string]struct {
		Fields []string `toml:"fields" yaml:"fields"`
	} `toml:"profiles" yaml:"profiles"`
}

// Load 读取配置文件（.toml，或 .yaml/.yml），依次应用默认值、环境变量覆盖与校验
func Load(path string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "kwrelay"
	}
	if cfg.App.ListenAddr == "" {
		cfg.App.ListenAddr = ":8000"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.GinMode == "" {
		cfg.App.GinMode = "release"
	}

	u := &cfg.Upstream
	if u.WsURL == "" {
		u.WsURL = mockWSURL
		if u.Real {
			u.WsURL = realWSURL
		}
	}
	if u.RestURL == "" {
		u.RestURL = mockRESTURL
		if u.Real {
			u.RestURL = realRESTURL
		}
	}
	setDuration(&u.HandshakeTimeout, 10*time.Second)
	setDuration(&u.WriteTimeout, 5*time.Second)
	setDuration(&u.IdleTimeout, 90*time.Second)
	setDuration(&u.ReconnectBaseDelay, 5*time.Second)
	if u.MaxReconnectAttempts == 0 {
		u.MaxReconnectAttempts = 5
	}
	setDuration(&u.RequestTimeout, 10*time.Second)
	setDuration(&u.ConditionSearchTimeout, 20*time.Second)
	if u.MarketType == "" {
		u.MarketType = "K"
	}
	if u.ExitOnFatal == nil {
		v := true
		u.ExitOnFatal = &v
	}

	setDuration(&cfg.Credential.Validity, 6*time.Hour)
	setDuration(&cfg.Credential.HTTPTimeout, 10*time.Second)

	c := &cfg.Cache
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
	setDuration(&c.SnapshotTTL, 60*time.Second)
	setDuration(&c.SeriesTTL, 300*time.Second)
	setDuration(&c.WriteTimeout, 2*time.Second)
	if c.Writers <= 0 {
		c.Writers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.RecentDefault <= 0 {
		c.RecentDefault = 50
	}

	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "data/relay.db"
	}

	s := &cfg.Stream
	if s.SendBuffer <= 0 {
		s.SendBuffer = 256
	}
	setDuration(&s.WriteWait, 10*time.Second)
	setDuration(&s.PongWait, 60*time.Second)
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = 64 * 1024
	}
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RELAY_APP_KEY")); v != "" {
		cfg.Upstream.AppKey = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_SECRET_KEY")); v != "" {
		cfg.Upstream.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_REDIS_ADDR")); v != "" {
		cfg.Cache.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_POSTGRES_DSN")); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Upstream.AppKey) == "" || strings.TrimSpace(cfg.Upstream.SecretKey) == "" {
		return errors.New("upstream.app_key and upstream.secret_key are required")
	}
	if cfg.Storage.Postgres.Enabled && strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
		return errors.New("storage.postgres.dsn empty but enabled")
	}
	if cfg.Cache.SeriesTTL.Duration < time.Second || cfg.Cache.SnapshotTTL.Duration < time.Second {
		return errors.New("cache ttl must be at least 1s")
	}
	switch strings.ToLower(cfg.App.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level %q not one of debug|info|warn|error", cfg.App.LogLevel)
	}
	for code, p := range cfg.Profiles {
		if len(normalizeFields(p.Fields)) == 0 {
			return fmt.Errorf("profiles.%s.fields is empty", code)
		}
	}
	return nil
}

// ProfileOverrides 字段抽取覆盖，键为数据类型码
func (c *Config) ProfileOverrides() map[string][]string {
	out := make(map[string][]string, len(c.Profiles))
	for code, p := range c.Profiles {
		out[strings.ToUpper(strings.TrimSpace(code))] = normalizeFields(p.Fields)
	}
	return out
}

func normalizeFields(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.TrimSpace(s)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
