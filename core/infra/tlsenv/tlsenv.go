// Package tlsenv builds client TLS settings for Redis and NATS from environment variables.
//
// A service named by prefix reads <PREFIX>_TLS_CA, <PREFIX>_TLS_CERT, <PREFIX>_TLS_KEY,
// <PREFIX>_TLS_SERVER_NAME and <PREFIX>_TLS_INSECURE.
package tlsenv

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// Vars are the resolved variable names for one prefix.
type Vars struct {
	CA         string
	Cert       string
	Key        string
	ServerName string
	Insecure   string
}

// For returns the variable names used for prefix ("REDIS", "NATS").
func For(prefix string) Vars {
	p := strings.ToUpper(strings.TrimSpace(prefix)) + "_TLS_"
	return Vars{
		CA:         p + "CA",
		Cert:       p + "CERT",
		Key:        p + "KEY",
		ServerName: p + "SERVER_NAME",
		Insecure:   p + "INSECURE",
	}
}

// Load returns base unchanged when no variable for prefix is set. Otherwise it
// returns a copy of base (or a fresh TLS 1.2+ config) with the settings applied.
func Load(prefix string, base *tls.Config) (*tls.Config, error) {
	v := For(prefix)
	caPath := env(v.CA)
	certPath := env(v.Cert)
	keyPath := env(v.Key)
	serverName := env(v.ServerName)
	insecure := Bool(v.Insecure)
	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !insecure {
		return base, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if serverName != "" {
		cfg.ServerName = serverName
	}
	if insecure {
		cfg.InsecureSkipVerify = true // #nosec G402 -- opt-in via env
	}
	name := strings.ToLower(prefix)
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read %s ca: %w", name, err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s ca %s contains no certificates", name, caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("both %s and %s are required", v.Cert, v.Key)
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load %s client cert: %w", name, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Bool reports whether key holds a truthy value.
func Bool(key string) bool {
	switch strings.ToLower(env(key)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// List splits a comma or whitespace separated variable.
func List(key string) []string {
	return strings.FieldsFunc(env(key), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
