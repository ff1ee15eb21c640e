package tlsenv

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadReturnsBaseWhenUnset(t *testing.T) {
	base := &tls.Config{ServerName: "cache"}
	cfg, err := Load("REDIS", base)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != base {
		t.Fatalf("expected base config to pass through")
	}
	if cfg, _ := Load("NATS", nil); cfg != nil {
		t.Fatalf("expected nil config without env")
	}
}

func TestLoadInsecureAndServerName(t *testing.T) {
	t.Setenv("NATS_TLS_INSECURE", "yes")
	t.Setenv("NATS_TLS_SERVER_NAME", "nats.internal")
	cfg, err := Load("nats", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify || cfg.ServerName != "nats.internal" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("expected TLS 1.2 floor")
	}
}

func TestLoadCAAndClientCert(t *testing.T) {
	certPath, keyPath := writeCert(t)
	t.Setenv("REDIS_TLS_CA", certPath)
	t.Setenv("REDIS_TLS_CERT", certPath)
	t.Setenv("REDIS_TLS_KEY", keyPath)

	cfg, err := Load("REDIS", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected ca pool and client certificate")
	}
}

func TestLoadRequiresCertAndKeyTogether(t *testing.T) {
	certPath, _ := writeCert(t)
	t.Setenv("REDIS_TLS_CERT", certPath)
	if _, err := Load("REDIS", nil); err == nil {
		t.Fatalf("expected error when the key is missing")
	}
}

func TestLoadRejectsEmptyCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(path, []byte("nothing here"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("NATS_TLS_CA", path)
	if _, err := Load("NATS", nil); err == nil {
		t.Fatalf("expected error for a CA file without certificates")
	}
}

func TestList(t *testing.T) {
	t.Setenv("REDIS_CLUSTER_ADDRESSES", "a:6379, b:6379\tc:6379")
	got := List("REDIS_CLUSTER_ADDRESSES")
	if len(got) != 3 || got[0] != "a:6379" || got[2] != "c:6379" {
		t.Fatalf("unexpected list %v", got)
	}
	if List("PINGUP_UNSET_LIST") != nil {
		t.Fatalf("expected nil for unset variable")
	}
}

func writeCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(7),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	dir := t.TempDir()
	certPath := filepath.Join(dir, "client.crt")
	keyPath := filepath.Join(dir, "client.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
