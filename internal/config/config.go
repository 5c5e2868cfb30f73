package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

const (
	TransportGRPC   = "grpc"
	TransportMemory = "memory"
)

// Subscription kinds accepted in [[clients]] subscribe lists.
const (
	SubscribeDemand = "demand"
	SubscribeSupply = "supply"
)

// NodeConfig is the on-disk shape of a node config file.
type NodeConfig struct {
	Name          string         `toml:"name"`
	NodeType      string         `toml:"node_type"`
	Transport     string         `toml:"transport"`
	DirectoryAddr string         `toml:"directory_addr"`
	ExchangeAddr  string         `toml:"exchange_addr"`
	StatusAddr    string         `toml:"status_addr"`
	StatusToken   string         `toml:"status_token"`
	CorsOrigins   []string       `toml:"cors_origins"`
	ServerInfo    string         `toml:"server_info"`
	ClusterID     int32          `toml:"cluster_id"`
	AreaID        string         `toml:"area_id"`
	GwInfo        string         `toml:"gw_info"`
	Clients       []ClientConfig `toml:"clients"`
	Session       SessionConfig  `toml:"session"`
}

// ClientConfig opens one service client per channel type.
type ClientConfig struct {
	ChannelType uint32   `toml:"channel_type"`
	ArgJSON     string   `toml:"arg_json"`
	Subscribe   []string `toml:"subscribe"`
}

// SessionConfig carries durations as strings, e.g. "20s".
type SessionConfig struct {
	MsgTimeout         string `toml:"msg_timeout"`
	ReconnectWait      string `toml:"reconnect_wait"`
	MigrationWait      string `toml:"migration_wait"`
	DefaultKeepalive   string `toml:"default_keepalive"`
	ConnectTimeout     string `toml:"connect_timeout"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
	SecurityMode       string `toml:"security_mode"`
	TLSEnabled         bool   `toml:"tls_enabled"`
	TLSMutual          bool   `toml:"tls_mutual"`
	TLSCertFile        string `toml:"tls_cert_file"`
	TLSKeyFile         string `toml:"tls_key_file"`
	TLSCAFile          string `toml:"tls_ca_file"`
	TLSServerName      string `toml:"tls_server_name"`
}

func Default() NodeConfig {
	return NodeConfig{
		Name:          "sxnode",
		NodeType:      protocol.NodeProvider.String(),
		Transport:     TransportGRPC,
		DirectoryAddr: "127.0.0.1:9990",
		StatusAddr:    ":9480",
		AreaID:        protocol.DefaultAreaID,
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (NodeConfig, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func Validate(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if _, ok := protocol.ParseNodeType(cfg.NodeType); !ok {
		return fmt.Errorf("%w: unknown node_type %q", ErrInvalid, cfg.NodeType)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case TransportGRPC:
		if strings.TrimSpace(cfg.DirectoryAddr) == "" {
			return fmt.Errorf("%w: directory_addr is required for grpc transport", ErrInvalid)
		}
	case TransportMemory:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, cfg.Transport)
	}
	if len(cfg.Clients) == 0 {
		return fmt.Errorf("%w: at least one [[clients]] entry is required", ErrInvalid)
	}
	seen := make(map[uint32]struct{}, len(cfg.Clients))
	for i, c := range cfg.Clients {
		if err := ValidateClient(c); err != nil {
			return fmt.Errorf("clients[%d]: %w", i, err)
		}
		if _, dup := seen[c.ChannelType]; dup {
			return fmt.Errorf("%w: clients[%d]: duplicate channel_type %d", ErrInvalid, i, c.ChannelType)
		}
		seen[c.ChannelType] = struct{}{}
	}
	if _, err := cfg.Session.Resolve(); err != nil {
		return err
	}
	return nil
}

func ValidateClient(c ClientConfig) error {
	if c.ChannelType == 0 {
		return fmt.Errorf("%w: channel_type is required", ErrInvalid)
	}
	for _, kind := range c.Subscribe {
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case SubscribeDemand, SubscribeSupply:
		default:
			return fmt.Errorf("%w: unknown subscription %q", ErrInvalid, kind)
		}
	}
	return nil
}

// Channels lists the configured channel types in registration order.
func (cfg NodeConfig) Channels() []uint32 {
	out := make([]uint32, 0, len(cfg.Clients))
	for _, c := range cfg.Clients {
		if !slices.Contains(out, c.ChannelType) {
			out = append(out, c.ChannelType)
		}
	}
	return out
}

// Subscribes reports whether the client asked for the given stream kind.
func (c ClientConfig) Subscribes(kind string) bool {
	for _, s := range c.Subscribe {
		if strings.EqualFold(strings.TrimSpace(s), kind) {
			return true
		}
	}
	return false
}

// Resolve converts the file form into session.Config. Empty durations keep
// their defaults.
func (s SessionConfig) Resolve() (session.Config, error) {
	out := session.Config{
		MaxConnectAttempts: s.MaxConnectAttempts,
		SecurityMode:       session.SecurityMode(strings.TrimSpace(s.SecurityMode)),
		TLS: session.TLSConfig{
			Enabled:    s.TLSEnabled,
			Mutual:     s.TLSMutual,
			CertFile:   strings.TrimSpace(s.TLSCertFile),
			KeyFile:    strings.TrimSpace(s.TLSKeyFile),
			CAFile:     strings.TrimSpace(s.TLSCAFile),
			ServerName: strings.TrimSpace(s.TLSServerName),
		},
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"msg_timeout", s.MsgTimeout, &out.MsgTimeout},
		{"reconnect_wait", s.ReconnectWait, &out.ReconnectWait},
		{"migration_wait", s.MigrationWait, &out.MigrationWait},
		{"default_keepalive", s.DefaultKeepalive, &out.DefaultKeepalive},
		{"connect_timeout", s.ConnectTimeout, &out.ConnectTimeout},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil || v < 0 {
			return session.Config{}, fmt.Errorf("%w: session.%s %q", ErrInvalid, d.key, d.raw)
		}
		*d.dst = v
	}
	out = out.WithDefaults()
	if err := out.ValidateClientTransport(); err != nil {
		return session.Config{}, fmt.Errorf("%w: session: %w", ErrInvalid, err)
	}
	return out, nil
}
