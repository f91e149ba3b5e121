package tls

import "errors"

// Config enables HTTPS on the gateway listener. Certificates come from
// CertFile/KeyFile, or from Dir (tls.crt, tls.key) where they can be
// generated on first start when AutoGenerate is set.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3"
	MaxVersion   string   `mapstructure:"max_version"`
	CommonName   string   `mapstructure:"common_name"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Validate reports configuration that can never yield a certificate.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("server.tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("server.tls: either cert_file/key_file or dir is required")
	}
	if _, ok := parseVersion(c.MinVersion); !ok && c.MinVersion != "" {
		return errors.New("server.tls: min_version must be 1.2 or 1.3")
	}
	if _, ok := parseVersion(c.MaxVersion); !ok && c.MaxVersion != "" {
		return errors.New("server.tls: max_version must be 1.2 or 1.3")
	}
	return nil
}
