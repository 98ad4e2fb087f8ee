package identity

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/danmuck/edgehub/internal/hub"
	"github.com/danmuck/edgehub/internal/testutil/testlog"
)

func fakeHost(host string, files map[string]string) *HostProvider {
	return &HostProvider{
		Hostname: func() (string, error) {
			if host == "" {
				return "", errors.New("no hostname")
			}
			return host, nil
		},
		ReadFile: func(path string) ([]byte, error) {
			v, ok := files[path]
			if !ok {
				return nil, os.ErrNotExist
			}
			return []byte(v), nil
		},
		MachineIDPaths: DefaultMachineIDPaths,
	}
}

func TestHostProviderStable(t *testing.T) {
	testlog.Start(t)
	p := fakeHost("edge-01.lab", map[string]string{"/etc/machine-id": "0123456789abcdef\n"})
	a, err := p.ComputeStableID()
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	b, err := p.ComputeStableID()
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if a != b {
		t.Fatalf("id not stable: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "edge-01.lab_") || len(a) != len("edge-01.lab_")+suffixLength {
		t.Fatalf("unexpected id shape: %q", a)
	}
	if err := hub.ValidateDeviceID(a); err != nil {
		t.Fatalf("derived id not registry-safe: %v", err)
	}
}

func TestHostProviderFallbackPathAndUnknownHost(t *testing.T) {
	testlog.Start(t)
	p := fakeHost("", map[string]string{"/var/lib/dbus/machine-id": "feedface"})
	id, err := p.ComputeStableID()
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !strings.HasPrefix(id, unknownHost+"_") {
		t.Fatalf("expected unknown host prefix, got %q", id)
	}
	if err := hub.ValidateDeviceID(id); err != nil {
		t.Fatalf("fallback id not registry-safe: %v", err)
	}

	other := fakeHost("", map[string]string{"/var/lib/dbus/machine-id": "cafebabe"})
	otherID, err := other.ComputeStableID()
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if otherID == id {
		t.Fatalf("distinct machines produced the same id %q", id)
	}
}

func TestHostProviderLongAndOddHostNames(t *testing.T) {
	testlog.Start(t)
	fqdn := strings.Repeat("segment.", 31) + "example.com"
	cases := []string{
		fqdn,
		"edge..lab",
		"...",
		"host name@site:1",
		strings.Repeat("a", 114) + "." + "b",
	}
	for _, host := range cases {
		id, err := fakeHost(host, map[string]string{"/etc/machine-id": "abc"}).ComputeStableID()
		if err != nil {
			t.Fatalf("compute %q: %v", host, err)
		}
		if len(id) > hub.MaxDeviceIDLength {
			t.Fatalf("id for %q is %d bytes", host, len(id))
		}
		if err := hub.ValidateDeviceID(id); err != nil {
			t.Fatalf("id %q for host %q not registry-safe: %v", id, host, err)
		}
	}
}

func TestHostProviderNoMachineToken(t *testing.T) {
	testlog.Start(t)
	p := fakeHost("edge", map[string]string{"/etc/machine-id": "  \n"})
	if _, err := p.ComputeStableID(); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestSanitize(t *testing.T) {
	testlog.Start(t)
	if got := sanitize(" my host.local. "); got != "my-host.local" {
		t.Fatalf("unexpected sanitize result: %q", got)
	}
}

func TestStatic(t *testing.T) {
	testlog.Start(t)
	if id, err := Static("device-42").ComputeStableID(); err != nil || id != "device-42" {
		t.Fatalf("unexpected static id=%q err=%v", id, err)
	}
	if _, err := Static(" ").ComputeStableID(); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}
