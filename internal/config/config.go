// Package config loads the JSON configuration file (spec.md §6) using
// github.com/spf13/viper, grounded on
// JackYinpei-magnet/internal/config/config.go's viper setup
// (SetEnvPrefix/AutomaticEnv layered over a config file, v.Unmarshal
// into a typed struct) — chosen over the teacher's own flat
// key=value auth.config parser because the nested
// media_managers[]/download_clients{}/connections{} shape needs a
// structured loader, not a line scanner.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// MediaManagerConfig registers one manager.Adapter.
type MediaManagerConfig struct {
	Kind   string `mapstructure:"kind"` // "radarr" | "sonarr"
	Name   string `mapstructure:"name"`
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// DownloadClientConfig registers one endpoint.Client.
type DownloadClientConfig struct {
	Kind           string `mapstructure:"kind"` // "qbittorrent" | "deluge"
	ConnectionKind string `mapstructure:"connection_kind"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
}

// SFTPConfig is one side of a connection's transfer_config when kind
// is "sftp": either inline host credentials or an SSH-config alias.
type SFTPConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	PrivateKey    string `mapstructure:"private_key"`
	SSHConfigFile string `mapstructure:"ssh_config_file"`
	SSHConfigHost string `mapstructure:"ssh_config_host"`
}

// TransferDescriptor is one side (from or to) of a connection's
// transfer_config (spec.md §6).
type TransferDescriptor struct {
	Kind string     `mapstructure:"kind"` // "local" | "sftp"
	SFTP SFTPConfig `mapstructure:"sftp"`
}

// TransferConfig groups both sides' transport descriptors.
type TransferConfig struct {
	From TransferDescriptor `mapstructure:"from"`
	To   TransferDescriptor `mapstructure:"to"`
}

// ConnectionConfig registers one copy route between two named
// download clients.
type ConnectionConfig struct {
	From                 string         `mapstructure:"from"`
	To                   string         `mapstructure:"to"`
	Transfer             TransferConfig `mapstructure:"transfer_config"`
	SourceMetainfoDir    string         `mapstructure:"source_metainfo_dir"`
	SourcePayloadDir     string         `mapstructure:"source_payload_dir"`
	TargetMetainfoTmpDir string         `mapstructure:"target_metainfo_tmp_dir"`
	TargetPayloadDir     string         `mapstructure:"target_payload_dir"`
	Workers              int            `mapstructure:"workers"`
}

// Tunables mirrors internal/orchestrator.Tunables in config-file form
// (all optional; zero values are replaced with spec.md §6 defaults by
// the caller).
type Tunables struct {
	TickSeconds         int `mapstructure:"tick_seconds"`
	UnclaimedLimit      int `mapstructure:"unclaimed_limit"`
	CopyRetryLimit      int `mapstructure:"copy_retry_limit"`
	PostIngestTicks     int `mapstructure:"post_ingest_ticks"`
	CallTimeoutSeconds  int `mapstructure:"call_timeout_seconds"`
}

// Config is the full configuration document (spec.md §6).
type Config struct {
	StateDir      string                          `mapstructure:"state_dir"`
	HistoryDSN    string                          `mapstructure:"history_dsn"`
	HTTPAddr      string                          `mapstructure:"http_addr"`
	MediaManagers []MediaManagerConfig            `mapstructure:"media_managers"`
	DownloadClients map[string]DownloadClientConfig `mapstructure:"download_clients"`
	Connections   map[string]ConnectionConfig      `mapstructure:"connections"`
	Tunables      Tunables                         `mapstructure:"tunables"`
}

// Load reads path (JSON) with an environment-variable overlay under
// the TRANSFERARR_ prefix, matching the magnet example's
// SetEnvPrefix/AutomaticEnv/SetEnvKeyReplacer pattern.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRANSFERARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("state_dir", "./state")
	v.SetDefault("http_addr", ":8420")
	v.SetDefault("tunables.tick_seconds", 2)
	v.SetDefault("tunables.unclaimed_limit", 10)
	v.SetDefault("tunables.copy_retry_limit", 3)
	v.SetDefault("tunables.post_ingest_ticks", 2)
	v.SetDefault("tunables.call_timeout_seconds", 30)

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate enforces the invariants spec.md §6 calls out explicitly
// (from≠to enforced per connection) plus the referential integrity a
// nested config format needs checked once at startup.
func validate(cfg Config) error {
	for name, conn := range cfg.Connections {
		if conn.From == conn.To {
			return fmt.Errorf("connection %s: from and to must differ", name)
		}
		if _, ok := cfg.DownloadClients[conn.From]; !ok {
			return fmt.Errorf("connection %s: unknown from client %q", name, conn.From)
		}
		if _, ok := cfg.DownloadClients[conn.To]; !ok {
			return fmt.Errorf("connection %s: unknown to client %q", name, conn.To)
		}
	}
	return nil
}
