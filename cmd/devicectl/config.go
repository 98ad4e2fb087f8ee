package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/edgehub/internal/agent"
	"github.com/danmuck/edgehub/internal/config"
	"github.com/danmuck/edgehub/internal/hub/natshub"
	"github.com/danmuck/edgehub/internal/logging"
	"github.com/danmuck/edgehub/internal/session"
	"github.com/rs/zerolog"
)

const (
	envConnectionString = "EDGEHUB_CONNECTION_STRING"
	envDeviceID         = "EDGEHUB_DEVICE_ID"
)

// loadServiceConfig overlays the keys defined in path onto agent defaults.
// An empty path yields defaults.
func loadServiceConfig(path string) (agent.ServiceConfig, *zerolog.Level, error) {
	cfg := agent.DefaultServiceConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil, nil
	}

	raw, err := config.LoadDeviceFile(path)
	if err != nil {
		return agent.ServiceConfig{}, nil, fmt.Errorf("load device config: %w", err)
	}

	if raw.IsDefined("connection_string") {
		cfg.ConnectionString = strings.TrimSpace(raw.ConnectionString)
	}
	if raw.IsDefined("device_id") {
		cfg.DeviceID = strings.TrimSpace(raw.DeviceID)
	}
	if raw.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}
	if raw.IsDefined("max_reconnect_attempts") {
		cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}
	if raw.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if raw.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if raw.IsDefined("reject_policy") {
		policy, err := natshub.ParseRejectPolicy(raw.RejectPolicy)
		if err != nil {
			return agent.ServiceConfig{}, nil, err
		}
		cfg.Reject = policy
	}
	if raw.IsDefined("session.max_deliver") {
		cfg.Session.MaxDeliver = raw.Session.MaxDeliver
	}
	if raw.IsDefined("session.security_mode") {
		cfg.Session.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.Session.SecurityMode))
	}
	if raw.IsDefined("session.tls") {
		tlsRaw := raw.Session.TLS
		cfg.Session.TLS = session.TLSConfig{
			Enabled:            tlsRaw.Enabled,
			CAFile:             strings.TrimSpace(tlsRaw.CAFile),
			CertFile:           strings.TrimSpace(tlsRaw.CertFile),
			KeyFile:            strings.TrimSpace(tlsRaw.KeyFile),
			ServerName:         strings.TrimSpace(tlsRaw.ServerName),
			InsecureSkipVerify: tlsRaw.InsecureSkipVerify,
		}
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"heartbeat", raw.Heartbeat, &cfg.Session.HeartbeatInterval},
		{"session.pull_wait", raw.Session.PullWait, &cfg.Session.PullWait},
		{"session.connect_timeout", raw.Session.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"session.operation_timeout", raw.Session.OperationTimeout, &cfg.Session.OperationTimeout},
		{"session.ack_wait", raw.Session.AckWait, &cfg.Session.AckWait},
		{"session.backoff_initial", raw.Session.BackoffInitial, &cfg.Session.Backoff.InitialDelay},
		{"session.backoff_max", raw.Session.BackoffMax, &cfg.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !raw.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return agent.ServiceConfig{}, nil, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	var level *zerolog.Level
	if raw.IsDefined("log.level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return agent.ServiceConfig{}, nil, fmt.Errorf("parse log.level: unknown level %q", raw.Log.Level)
		}
		level = &lvl
	}
	return cfg, level, nil
}

// applyEnv overlays process environment onto cfg.
func applyEnv(cfg *agent.ServiceConfig) {
	if v := strings.TrimSpace(os.Getenv(envConnectionString)); v != "" {
		cfg.ConnectionString = v
	}
	if v := strings.TrimSpace(os.Getenv(envDeviceID)); v != "" {
		cfg.DeviceID = v
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
