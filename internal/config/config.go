// Package config loads device agent files in TOML or YAML.
//
// Keys absent from a file are reported through IsDefined so callers can
// overlay only what an operator actually set.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// DeviceFile is the on-disk device agent configuration.
type DeviceFile struct {
	ConnectionString     string     `toml:"connection_string" yaml:"connection_string"`
	DeviceID             string     `toml:"device_id" yaml:"device_id"`
	Heartbeat            string     `toml:"heartbeat" yaml:"heartbeat"`
	Reconnect            bool       `toml:"reconnect" yaml:"reconnect"`
	MaxReconnectAttempts int        `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	StatusAddr           string     `toml:"status_addr" yaml:"status_addr"`
	CorsOrigins          []string   `toml:"cors_origins" yaml:"cors_origins"`
	RejectPolicy         string     `toml:"reject_policy" yaml:"reject_policy"`
	Session              SessionRaw `toml:"session" yaml:"session"`
	Log                  LogRaw     `toml:"log" yaml:"log"`

	defined map[string]struct{}
}

type SessionRaw struct {
	PullWait         string `toml:"pull_wait" yaml:"pull_wait"`
	ConnectTimeout   string `toml:"connect_timeout" yaml:"connect_timeout"`
	OperationTimeout string `toml:"operation_timeout" yaml:"operation_timeout"`
	AckWait          string `toml:"ack_wait" yaml:"ack_wait"`
	MaxDeliver       int    `toml:"max_deliver" yaml:"max_deliver"`
	BackoffInitial   string `toml:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax       string `toml:"backoff_max" yaml:"backoff_max"`
	SecurityMode     string `toml:"security_mode" yaml:"security_mode"`
	TLS              TLSRaw `toml:"tls" yaml:"tls"`
}

type TLSRaw struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type LogRaw struct {
	Level string `toml:"level" yaml:"level"`
}

// IsDefined reports whether the dotted key, e.g. "session.pull_wait", was
// present in the file.
func (f DeviceFile) IsDefined(key string) bool {
	_, ok := f.defined[key]
	return ok
}

// Keys returns the defined keys in sorted order.
func (f DeviceFile) Keys() []string {
	out := make([]string, 0, len(f.defined))
	for k := range f.defined {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadDeviceFile decodes path by extension: .toml, or .yaml/.yml.
func LoadDeviceFile(path string) (DeviceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DeviceFile{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var f DeviceFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = decodeTOML(data, &f)
	case ".yaml", ".yml":
		err = decodeYAML(data, &f)
	default:
		return DeviceFile{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return DeviceFile{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return f, nil
}

func decodeTOML(data []byte, f *DeviceFile) error {
	meta, err := toml.Decode(string(data), f)
	if err != nil {
		return err
	}
	f.defined = make(map[string]struct{})
	for _, key := range meta.Keys() {
		f.defined[key.String()] = struct{}{}
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	return nil
}

func decodeYAML(data []byte, f *DeviceFile) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	f.defined = make(map[string]struct{})
	if len(root.Content) == 0 {
		return nil
	}
	collectYAMLKeys(root.Content[0], "", f.defined)
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	return dec.Decode(f)
}

func collectYAMLKeys(node *yaml.Node, prefix string, out map[string]struct{}) {
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		out[key] = struct{}{}
		collectYAMLKeys(node.Content[i+1], key, out)
	}
}
