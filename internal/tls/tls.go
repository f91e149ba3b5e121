package tls

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names used inside Config.Dir.
const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

var versions = map[string]uint16{
	"1.2":    tls.VersionTLS12,
	"tls1.2": tls.VersionTLS12,
	"1.3":    tls.VersionTLS13,
	"tls1.3": tls.VersionTLS13,
}

func parseVersion(s string) (uint16, bool) {
	v, ok := versions[strings.ToLower(strings.TrimSpace(s))]
	return v, ok
}

// keyPair reads the certificate on every handshake so a renewed pair is
// served without restarting the gateway.
type keyPair struct {
	certFile, keyFile string
}

func (k keyPair) load(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	c, err := tls.LoadX509KeyPair(k.certFile, k.keyFile)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Setup returns the listener TLS configuration, or nil when TLS is disabled.
func Setup(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pair := keyPair{certFile: cfg.CertFile, keyFile: cfg.KeyFile}
	if pair.certFile == "" {
		pair = keyPair{certFile: filepath.Join(cfg.Dir, tlsCrt), keyFile: filepath.Join(cfg.Dir, tlsKey)}
		if !exists(pair.certFile) || !exists(pair.keyFile) {
			if !cfg.AutoGenerate {
				return nil, fmt.Errorf("no certificate in %s and auto_generate is off", cfg.Dir)
			}
			if err := writeSelfSigned(cfg); err != nil {
				return nil, fmt.Errorf("failed to generate certificate: %w", err)
			}
		}
	} else if !exists(pair.certFile) || !exists(pair.keyFile) {
		return nil, fmt.Errorf("certificate files not found: %s, %s", cfg.CertFile, cfg.KeyFile)
	}

	// an unusable pair is a startup error
	if _, err := pair.load(nil); err != nil {
		return nil, fmt.Errorf("invalid key pair: %w", err)
	}

	minVer, maxVer := uint16(tls.VersionTLS12), uint16(tls.VersionTLS13)
	if v, ok := parseVersion(cfg.MinVersion); ok {
		minVer = v
	}
	if v, ok := parseVersion(cfg.MaxVersion); ok {
		maxVer = v
	}
	// #nosec G402 MinVersion is at least TLS 1.2
	return &tls.Config{GetCertificate: pair.load, MinVersion: minVer, MaxVersion: maxVer}, nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func writeSelfSigned(cfg Config) error {
	days := cfg.ValidDays
	if days <= 0 {
		days = 365
	}
	s := SelfSigned{
		CommonName: cfg.CommonName,
		DNSNames:   cfg.DNSNames,
		IPs:        cfg.IPAddresses,
		ValidFor:   time.Duration(days) * 24 * time.Hour,
	}
	if s.CommonName == "" {
		s.CommonName = "localhost"
	}
	if len(s.DNSNames) == 0 {
		s.DNSNames = []string{"localhost"}
	}
	if len(s.IPs) == 0 {
		s.IPs = []string{"127.0.0.1"}
	}
	certPEM, keyPEM, err := s.Generate(time.Now())
	if err != nil {
		return err
	}
	return WritePair(cfg.Dir, certPEM, keyPEM)
}
