package hub

import (
	"fmt"
	"strings"
)

const (
	keyHostName   = "hostname"
	keyAccessName = "sharedaccesskeyname"
	keyAccessKey  = "sharedaccesskey"
	keyDeviceID   = "deviceid"
)

// ConnectionInfo is a parsed hub connection string.
type ConnectionInfo struct {
	HostName  string
	KeyName   string
	Key       string
	DeviceID  string
	Extra     map[string]string
	extraKeys []string
}

// ParseConnectionString parses "Key=Value;Key=Value" hub connection strings.
// Keys are case-insensitive; values may contain '='.
func ParseConnectionString(raw string) (ConnectionInfo, error) {
	var info ConnectionInfo
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return ConnectionInfo{}, fmt.Errorf("%w: segment %q", ErrMalformedConnInfo, part)
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(key) {
		case keyHostName:
			info.HostName = value
		case keyAccessName:
			info.KeyName = value
		case keyAccessKey:
			info.Key = value
		case keyDeviceID:
			info.DeviceID = value
		default:
			if info.Extra == nil {
				info.Extra = make(map[string]string)
			}
			if _, seen := info.Extra[key]; !seen {
				info.extraKeys = append(info.extraKeys, key)
			}
			info.Extra[key] = value
		}
	}
	if info.HostName == "" {
		return ConnectionInfo{}, ErrHostNameRequired
	}
	return info, nil
}

// String renders the connection string in canonical key order.
func (c ConnectionInfo) String() string {
	parts := []string{"HostName=" + c.HostName}
	if c.DeviceID != "" {
		parts = append(parts, "DeviceId="+c.DeviceID)
	}
	if c.KeyName != "" {
		parts = append(parts, "SharedAccessKeyName="+c.KeyName)
	}
	if c.Key != "" {
		parts = append(parts, "SharedAccessKey="+c.Key)
	}
	for _, k := range c.extraKeys {
		parts = append(parts, k+"="+c.Extra[k])
	}
	return strings.Join(parts, ";")
}

// DeviceConnectionInfo combines hub info with one device identity.
type DeviceConnectionInfo struct {
	HostName  string
	DeviceID  string
	DeviceKey string
}

// ForDevice derives the per-device descriptor for rec.
func (c ConnectionInfo) ForDevice(rec DeviceRecord) DeviceConnectionInfo {
	return DeviceConnectionInfo{
		HostName:  c.HostName,
		DeviceID:  rec.ID,
		DeviceKey: rec.Auth.PrimaryKey,
	}
}

func (d DeviceConnectionInfo) String() string {
	return fmt.Sprintf("HostName=%s;DeviceId=%s;SharedAccessKey=%s", d.HostName, d.DeviceID, d.DeviceKey)
}

// Scheme returns the lower-case URL scheme of HostName, or "" when absent.
func (c ConnectionInfo) Scheme() string {
	scheme, _, ok := strings.Cut(c.HostName, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}
