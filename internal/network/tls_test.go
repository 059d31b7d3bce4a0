package network

import (
	"path/filepath"
	"testing"
)

func TestClientTLSConfigUsesEnvDevTLSCAPath(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "devtls_ca.pem")
	if err := WriteDevCA(caPath); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	t.Setenv("MESHVPN_DEVTLS_CA_PATH", caPath)
	conf, err := clientTLSConfig(false, "/nonexistent")
	if err != nil {
		t.Fatalf("clientTLSConfig with env override: %v", err)
	}
	if conf.RootCAs == nil || conf.ServerName != devServerName {
		t.Fatalf("unexpected config: %+v", conf)
	}
}

func TestClientTLSConfigUsesExplicitDevTLSCAPath(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "devtls_ca.pem")
	if err := WriteDevCA(caPath); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := clientTLSConfig(false, caPath); err != nil {
		t.Fatalf("clientTLSConfig with explicit path: %v", err)
	}
	if _, err := clientTLSConfig(false, filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatalf("expected error for missing ca")
	}
}

func TestClientTLSConfigInsecure(t *testing.T) {
	conf, err := clientTLSConfig(true, "")
	if err != nil {
		t.Fatalf("clientTLSConfig: %v", err)
	}
	if !conf.InsecureSkipVerify || conf.NextProtos[0] != alpn {
		t.Fatalf("unexpected insecure config: %+v", conf)
	}
}
