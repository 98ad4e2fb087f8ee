package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a commented starter device file for format "toml" or "yaml".
func Template(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "toml":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// WriteTemplate writes the starter file for format to path.
func WriteTemplate(path, format string, overwrite bool) error {
	template, err := Template(format)
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

const tomlTemplate = `# devicectl configuration
connection_string = "HostName=nats://127.0.0.1:4222;SharedAccessKeyName=registry;SharedAccessKey=change-me"
# device_id = "edge-01"
heartbeat = "30s"
reconnect = true
max_reconnect_attempts = 0
status_addr = "127.0.0.1:9464"
# cors_origins = ["http://localhost:3000"]
reject_policy = "redeliver"

[session]
pull_wait = "5s"
ack_wait = "30s"
max_deliver = 5

[log]
level = "info"
`

const yamlTemplate = `# devicectl configuration
connection_string: "HostName=nats://127.0.0.1:4222;SharedAccessKeyName=registry;SharedAccessKey=change-me"
# device_id: edge-01
heartbeat: 30s
reconnect: true
max_reconnect_attempts: 0
status_addr: 127.0.0.1:9464
# cors_origins: ["http://localhost:3000"]
reject_policy: redeliver
session:
  pull_wait: 5s
  ack_wait: 30s
  max_deliver: 5
log:
  level: info
`
