// Package tlstest issues throwaway certificates for transport tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Authority is a self-signed CA living under one test directory.
type Authority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	dir    string
	caPath string
}

// Files is one issued certificate and its key on disk.
type Files struct {
	CertFile string
	KeyFile  string
}

func NewAuthority(t testing.TB, commonName string) *Authority {
	t.Helper()

	dir := t.TempDir()
	key := newKey(t)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}

	caPath := filepath.Join(dir, "ca.crt")
	writePEM(t, caPath, "CERTIFICATE", der, 0o644)
	return &Authority{cert: cert, key: key, dir: dir, caPath: caPath}
}

func (a *Authority) CAFile() string {
	return a.caPath
}

// IssueServer issues a serving certificate for localhost and 127.0.0.1.
func (a *Authority) IssueServer(t testing.TB, commonName string) Files {
	t.Helper()
	return a.issue(t, commonName, x509.ExtKeyUsageServerAuth, []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
}

func (a *Authority) IssueClient(t testing.TB, commonName string) Files {
	t.Helper()
	return a.issue(t, commonName, x509.ExtKeyUsageClientAuth, nil, nil)
}

func (a *Authority) issue(t testing.TB, commonName string, usage x509.ExtKeyUsage, dnsNames []string, ips []net.IP) Files {
	t.Helper()

	key := newKey(t)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("create signed cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	base := fileBase(commonName)
	out := Files{
		CertFile: filepath.Join(a.dir, base+".crt"),
		KeyFile:  filepath.Join(a.dir, base+".key"),
	}
	writePEM(t, out.CertFile, "CERTIFICATE", der, 0o644)
	writePEM(t, out.KeyFile, "EC PRIVATE KEY", keyDER, 0o600)
	return out
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func fileBase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "cert"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(s)
}
