package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meshvpn/internal/metrics"
)

const testConfig = `
listen = "127.0.0.1:7000"

[[peer]]
endpoint = "192.0.2.10:7000"
claims = ["10.2.0.0/24"]

[[peer]]
endpoint = "192.0.2.11:7000"
claims = ["10.2.0.128-10.2.1.10"]
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "meshvpn") {
		t.Fatalf("expected help output to mention meshvpn")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: bogus") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestLookup(t *testing.T) {
	cfg := writeConfig(t)
	var out, errOut bytes.Buffer
	code := run([]string{"lookup", "--config", cfg, "10.2.0.5", "10.2.0.200", "10.2.1.11"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("lookup failed: %d %s", code, errOut.String())
	}
	want := "10.2.0.5 -> 192.0.2.10:7000\n10.2.0.200 -> 192.0.2.11:7000\n10.2.1.11 -> none\n"
	if out.String() != want {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestLookupBadAddress(t *testing.T) {
	cfg := writeConfig(t)
	var out, errOut bytes.Buffer
	if code := run([]string{"lookup", "--config", cfg, "nope"}, &out, &errOut); code != 1 {
		t.Fatalf("expected failure, got %d", code)
	}
	if code := run([]string{"lookup", "--config", cfg}, &out, &errOut); code != 1 {
		t.Fatalf("expected failure without addresses, got %d", code)
	}
}

func TestTable(t *testing.T) {
	cfg := writeConfig(t)
	var out, errOut bytes.Buffer
	if code := run([]string{"table", "--config", cfg}, &out, &errOut); code != 0 {
		t.Fatalf("table failed: %d %s", code, errOut.String())
	}
	s := out.String()
	for _, want := range []string{"10.2.0.0-10.2.0.127", "10.2.0.128-10.2.1.10", "2 peers, 2 segments"} {
		if !strings.Contains(s, want) {
			t.Fatalf("table output missing %q:\n%s", want, s)
		}
	}
}

func TestMissingConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"table"}, &out, &errOut); code != 1 {
		t.Fatalf("expected failure, got %d", code)
	}
	if code := run([]string{"run", "--config", filepath.Join(t.TempDir(), "none.toml")}, &out, &errOut); code != 1 {
		t.Fatalf("expected failure, got %d", code)
	}
}

func TestStats(t *testing.T) {
	tr := metrics.NewTraffic()
	tr.CountDroppedPayload(30)
	tr.CountInvalidProtocol(7)
	snap := tr.Snapshot()
	snap.GeneratedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "stats.json")
	if err := metrics.WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	var out, errOut bytes.Buffer
	if code := run([]string{"stats", "--file", path}, &out, &errOut); code != 0 {
		t.Fatalf("stats failed: %d %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "dropped: 1 packets (30 bytes)") {
		t.Fatalf("unexpected stats output:\n%s", out.String())
	}
	out.Reset()
	if code := run([]string{"stats", "--file", path, "--json"}, &out, &errOut); code != 0 {
		t.Fatalf("stats --json failed: %d", code)
	}
	if !strings.Contains(out.String(), `"invalid_protocol"`) {
		t.Fatalf("unexpected json output:\n%s", out.String())
	}
}

func TestGenKey(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"genkey"}, &out, &errOut); code != 0 {
		t.Fatalf("genkey failed: %d", code)
	}
	if got := strings.TrimSpace(out.String()); len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %q", got)
	}
}

func TestDevCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	var out, errOut bytes.Buffer
	if code := run([]string{"devca", "--out", path}, &out, &errOut); code != 0 {
		t.Fatalf("devca failed: %d %s", code, errOut.String())
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Contains(data, []byte("BEGIN CERTIFICATE")) {
		t.Fatalf("bad ca file: %v", err)
	}
}
