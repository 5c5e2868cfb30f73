package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "provider":
		return providerTemplate, nil
	case "server":
		return serverTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const providerTemplate = `name = "sxnode"
node_type = "provider"
transport = "grpc"
directory_addr = "127.0.0.1:9990"
# exchange_addr defaults to the server info returned on registration.
exchange_addr = ""
status_addr = ":9480"
# status_token guards /node and /clients when set.
status_token = ""
cors_origins = ["http://localhost:3000"]
area_id = "Default"

[[clients]]
channel_type = 1
arg_json = ""
subscribe = ["demand"]

[[clients]]
channel_type = 2
subscribe = ["supply"]

[session]
msg_timeout = "20s"
reconnect_wait = "5s"
migration_wait = "30s"
security_mode = "development"
`

const serverTemplate = `name = "sxserver"
node_type = "server"
transport = "grpc"
directory_addr = "127.0.0.1:9990"
server_info = "127.0.0.1:10000"
cluster_id = 0
status_addr = ":9481"
area_id = "Default"

[[clients]]
channel_type = 1
subscribe = ["demand", "supply"]

[session]
msg_timeout = "20s"
reconnect_wait = "5s"
migration_wait = "30s"
security_mode = "production"
tls_enabled = true
tls_mutual = true
tls_ca_file = "/etc/sxutil/ca.crt"
tls_cert_file = "/etc/sxutil/node.crt"
tls_key_file = "/etc/sxutil/node.key"
`
