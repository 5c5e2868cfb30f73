package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/sxutil/internal/config"
)

// sxnodectl config.toml keys. Only keys present in the file replace defaults.
type fileConfig struct {
	Name          string                `toml:"name"`
	NodeType      string                `toml:"node_type"`
	Transport     string                `toml:"transport"`
	DirectoryAddr string                `toml:"directory_addr"`
	ExchangeAddr  string                `toml:"exchange_addr"`
	StatusAddr    string                `toml:"status_addr"`
	StatusToken   string                `toml:"status_token"`
	CorsOrigins   []string              `toml:"cors_origins"`
	ServerInfo    string                `toml:"server_info"`
	ClusterID     int32                 `toml:"cluster_id"`
	AreaID        string                `toml:"area_id"`
	GwInfo        string                `toml:"gw_info"`
	Clients       []config.ClientConfig `toml:"clients"`
	Session       config.SessionConfig  `toml:"session"`
}

func loadNodeConfig(path string) (config.NodeConfig, error) {
	cfg := config.Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.NodeConfig{}, fmt.Errorf("load sxnodectl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config.NodeConfig{}, fmt.Errorf("load sxnodectl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("node_type") {
		cfg.NodeType = strings.TrimSpace(raw.NodeType)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("directory_addr") {
		cfg.DirectoryAddr = strings.TrimSpace(raw.DirectoryAddr)
	}
	if meta.IsDefined("exchange_addr") {
		cfg.ExchangeAddr = strings.TrimSpace(raw.ExchangeAddr)
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("status_token") {
		cfg.StatusToken = strings.TrimSpace(raw.StatusToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("server_info") {
		cfg.ServerInfo = strings.TrimSpace(raw.ServerInfo)
	}
	if meta.IsDefined("cluster_id") {
		cfg.ClusterID = raw.ClusterID
	}
	if meta.IsDefined("area_id") {
		cfg.AreaID = strings.TrimSpace(raw.AreaID)
	}
	if meta.IsDefined("gw_info") {
		cfg.GwInfo = strings.TrimSpace(raw.GwInfo)
	}
	if meta.IsDefined("clients") {
		cfg.Clients = raw.Clients
	}
	if meta.IsDefined("session") {
		cfg.Session = raw.Session
	}

	if err := config.Validate(cfg); err != nil {
		return config.NodeConfig{}, fmt.Errorf("load sxnodectl config: %w", err)
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
