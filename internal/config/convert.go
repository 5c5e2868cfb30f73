package config

import (
	"strings"

	"github.com/danmuck/sxutil/internal/node"
	"github.com/danmuck/sxutil/internal/protocol"
)

// ServerOpt maps the registration fields onto node.ServerOpt.
func (cfg NodeConfig) ServerOpt() *node.ServerOpt {
	nodeType, _ := protocol.ParseNodeType(cfg.NodeType)
	area := strings.TrimSpace(cfg.AreaID)
	if area == "" {
		area = protocol.DefaultAreaID
	}
	return &node.ServerOpt{
		NodeType:   nodeType,
		ServerInfo: strings.TrimSpace(cfg.ServerInfo),
		ClusterID:  cfg.ClusterID,
		AreaID:     area,
		GwInfo:     strings.TrimSpace(cfg.GwInfo),
	}
}

// NodeConfig builds the runtime node configuration. version is reported as
// the binary version on registration.
func (cfg NodeConfig) NodeConfig(version string) (node.Config, error) {
	sess, err := cfg.Session.Resolve()
	if err != nil {
		return node.Config{}, err
	}
	out := node.DefaultConfig()
	out.Session = sess
	if strings.TrimSpace(version) != "" {
		out.BinVersion = version
	}
	return out, nil
}
