package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/audiolink/internal/domain"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	HTTPAddr   string        `mapstructure:"http_addr"`
	LogLevel   string        `mapstructure:"log_level"`
	ICEServers []string      `mapstructure:"ice_servers"`
	ICEPortMin uint16        `mapstructure:"ice_port_min"`
	ICEPortMax uint16        `mapstructure:"ice_port_max"`
	Gateway    GatewayConfig `mapstructure:"gateway"`
	Relay      RelayConfig   `mapstructure:"relay"`
}

type GatewayConfig struct {
	URL               string        `mapstructure:"url"`
	Subprotocol       string        `mapstructure:"subprotocol"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	Plugin            string        `mapstructure:"plugin"`
	Room              int           `mapstructure:"room"`
	Display           string        `mapstructure:"display"`
	Hold              time.Duration `mapstructure:"hold"`
}

type RelayConfig struct {
	URL    string `mapstructure:"url"`
	RoomID string `mapstructure:"room_id"`
	// HostID identifies this node on the relay. Empty means the host name.
	HostID string   `mapstructure:"host_id"`
	Peers  []string `mapstructure:"peers"`
	// OfferLimit incoming offers per peer within OfferWindow; 0 disables.
	OfferLimit  int           `mapstructure:"offer_limit"`
	OfferWindow time.Duration `mapstructure:"offer_window"`
}

var ErrInvalid = errors.New("invalid config")

func defaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice_port_min", 0)
	v.SetDefault("ice_port_max", 0)

	v.SetDefault("gateway.url", "ws://localhost:8188/")
	v.SetDefault("gateway.subprotocol", "janus-protocol")
	v.SetDefault("gateway.keepalive_interval", "15s")
	v.SetDefault("gateway.plugin", "janus.plugin.audiobridge")
	v.SetDefault("gateway.room", 1234)
	v.SetDefault("gateway.display", "AudioStreamer")
	v.SetDefault("gateway.hold", "5s")

	v.SetDefault("relay.url", "ws://localhost:5000/connect")
	v.SetDefault("relay.room_id", "audio_room")
	v.SetDefault("relay.host_id", "")
	v.SetDefault("relay.peers", []string{})
	v.SetDefault("relay.offer_limit", 5)
	v.SetDefault("relay.offer_window", "1m")
}

// Flags returns the command-line flags Load understands.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	fs.String("mode", "", "gin mode: debug or release")
	fs.String("http-addr", "", "status server listen address")
	fs.String("log-level", "", "zerolog level")
	fs.BoolP("verbose", "v", false, "debug logging")
	fs.String("gateway-url", "", "gateway websocket URL")
	fs.Int("room", 0, "audiobridge room")
	fs.Duration("hold", 0, "how long to stream; 0 until interrupted")
	fs.String("relay-url", "", "relay websocket URL")
	fs.String("room-id", "", "relay room to join")
	fs.String("host-id", "", "identity of this node on the relay")
	fs.StringSlice("peers", nil, "peers to offer to after joining")
	return fs
}

var flagKeys = map[string]string{
	"mode":        "mode",
	"http-addr":   "http_addr",
	"log-level":   "log_level",
	"gateway-url": "gateway.url",
	"room":        "gateway.room",
	"hold":        "gateway.hold",
	"relay-url":   "relay.url",
	"room-id":     "relay.room_id",
	"host-id":     "relay.host_id",
	"peers":       "relay.peers",
}

// Load parses args with fs and merges, in rising priority: defaults, the
// config file, AUDIOLINK_* environment variables and explicitly set flags.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	defaults(v)

	v.SetEnvPrefix("AUDIOLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	explicit, _ := fs.GetString("config")
	fileName := explicit
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		if explicit != "" {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if verbose, _ := fs.GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Relay.resolveHostID(os.Hostname); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Str("http_addr", cfg.HTTPAddr).
		Str("gateway", cfg.Gateway.URL).
		Str("relay", cfg.Relay.URL).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ICEPortMin > c.ICEPortMax {
		return fmt.Errorf("%w: ice_port_min above ice_port_max", ErrInvalid)
	}
	if c.Gateway.KeepaliveInterval <= 0 {
		return fmt.Errorf("%w: gateway.keepalive_interval must be positive", ErrInvalid)
	}
	if c.Gateway.Hold < 0 {
		return fmt.Errorf("%w: gateway.hold must not be negative", ErrInvalid)
	}
	if c.Relay.OfferLimit < 0 || (c.Relay.OfferLimit > 0 && c.Relay.OfferWindow <= 0) {
		return fmt.Errorf("%w: relay.offer_limit needs a positive relay.offer_window", ErrInvalid)
	}
	if c.Relay.RoomID == "" {
		return fmt.Errorf("%w: relay.room_id is empty", ErrInvalid)
	}
	if _, err := c.Relay.PeerIDs(); err != nil {
		return fmt.Errorf("%w: relay.peers: %w", ErrInvalid, err)
	}
	return nil
}

// resolveHostID fills an empty HostID from hostname. A failed lookup is a
// config error rather than an anonymous node.
func (r *RelayConfig) resolveHostID(hostname func() (string, error)) error {
	if r.HostID != "" {
		return nil
	}
	name, err := hostname()
	if err != nil || name == "" {
		return fmt.Errorf("%w: relay.host_id not set and host name unavailable: %v", ErrInvalid, err)
	}
	log.Warn().Str("module", "config").Str("host_id", name).Msg("relay.host_id not set, using host name")
	r.HostID = name
	return nil
}

// PeerIDs returns the configured initial peers as validated ids.
func (r RelayConfig) PeerIDs() ([]domain.PeerID, error) {
	out := make([]domain.PeerID, 0, len(r.Peers))
	for _, raw := range r.Peers {
		id, err := domain.NewPeerID(raw)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, nil
}
