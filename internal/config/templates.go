package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "rangectl":
		return rangectlTemplate, nil
	case "scenario":
		return scenarioTemplate, nil
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

const rangectlTemplate = `id = "rangectl"
admin_listen_addr = "127.0.0.1:9200"
# admin_token = "change-me"
cors_origins = ["http://localhost:3000"]
heartbeat_interval = "5s"

# The scenario drives the controller. hal_socket swaps the scripted
# accelerator for a vendor daemon.
scenario = "cmd/rangectl/scenario.yaml"
# hal_socket = "/run/ranging-hal.sock"
hal_version = "v2"
auto_start = true

max_config_retries = 3
max_enable_retries = 3
enable_retry_margin = "10ms"
enable_retry_multiplier = 1.0
enable_retry_jitter = true
prefetch_local_capabilities = true
`

const scenarioTemplate = `version: 1
name: local
hal_version: v2
local_snr_capability: 0x1f
sessions:
  - remote: "aa:bb:cc:dd:ee:01"
    connection_handle: 64
    role: central
    interval_ms: 200
    conn_interval: 24
    method: cs
    results: 10
    distance_m: 1.5
`
