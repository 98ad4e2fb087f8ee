// Package identity derives stable device identifiers.
package identity

import (
	"encoding/hex"
	"errors"
	"os"
	"strings"

	"github.com/danmuck/edgehub/internal/hub"
	"github.com/zeebo/blake3"
)

var ErrNoIdentity = errors.New("identity: no stable identifier available")

// Provider supplies a device identifier that is stable across restarts.
type Provider interface {
	ComputeStableID() (string, error)
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc func() (string, error)

func (f ProviderFunc) ComputeStableID() (string, error) { return f() }

// Static always returns the same identifier.
type Static string

func (s Static) ComputeStableID() (string, error) {
	id := strings.TrimSpace(string(s))
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

const (
	unknownHost  = "unknown"
	suffixLength = 12
	// maxHostLength leaves room for "_" and the suffix within hub.MaxDeviceIDLength.
	maxHostLength = hub.MaxDeviceIDLength - 1 - suffixLength
)

// DefaultMachineIDPaths lists the files consulted for the machine token.
var DefaultMachineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// HostProvider derives "<hostname>_<token>" from the host name and a
// persistent machine token.
type HostProvider struct {
	Hostname       func() (string, error)
	ReadFile       func(string) ([]byte, error)
	MachineIDPaths []string
}

// NewHostProvider returns a HostProvider bound to the local host.
func NewHostProvider() *HostProvider {
	return &HostProvider{
		Hostname:       os.Hostname,
		ReadFile:       os.ReadFile,
		MachineIDPaths: DefaultMachineIDPaths,
	}
}

func (p *HostProvider) ComputeStableID() (string, error) {
	host := unknownHost
	if p.Hostname != nil {
		if h, err := p.Hostname(); err == nil && sanitize(h) != "" {
			host = sanitize(h)
		}
	}
	token, err := p.machineToken()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(append([]byte(host+"\x00"), token...))
	suffix := strings.ToUpper(hex.EncodeToString(sum[:]))[:suffixLength]
	return host + "_" + suffix, nil
}

func (p *HostProvider) machineToken() ([]byte, error) {
	if p.ReadFile == nil {
		return nil, ErrNoIdentity
	}
	for _, path := range p.MachineIDPaths {
		raw, err := p.ReadFile(path)
		if err != nil {
			continue
		}
		if token := strings.TrimSpace(string(raw)); token != "" {
			return []byte(token), nil
		}
	}
	return nil, ErrNoIdentity
}

// sanitize maps a host name into the registry alphabet: other bytes become
// '-', dot runs collapse to one dot, and the result fits maxHostLength.
func sanitize(host string) string {
	host = strings.TrimSpace(host)
	var b strings.Builder
	for i := 0; i < len(host); i++ {
		c := host[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		case c == '.':
			if b.Len() > 0 && strings.HasSuffix(b.String(), ".") {
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	if len(out) > maxHostLength {
		out = strings.TrimRight(out[:maxHostLength], ".")
	}
	return out
}
