package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validDoc = `
local_id: 1
bind_addr: 10.0.0.1
mode: mcast
mcast_addr: 239.1.1.1
port: 5405
nodes:
  - id: 1
    addr: 10.0.0.1
  - id: 2
    addr: 10.0.0.2
crypto:
  cipher: AES-256-CBC
  hash: SHA256-HMAC
  key: deadbeef
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "totem.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValidDocument(t *testing.T) {
	path := writeTemp(t, validDoc)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.LocalID != 1 {
		t.Fatalf("LocalID = %d, want 1", c.LocalID)
	}
	if len(c.Nodes) != 2 {
		t.Fatalf("len(Nodes) = %d, want 2", len(c.Nodes))
	}
}

func TestValidateRejectsBadBindAddr(t *testing.T) {
	path := writeTemp(t, `
local_id: 1
bind_addr: not-an-ip
mode: mcast
mcast_addr: 239.1.1.1
port: 5405
crypto: {cipher: NONE, hash: NONE}
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a non-IP bind_addr")
	}
}

func TestValidateRequiresNodesInUcastMode(t *testing.T) {
	path := writeTemp(t, `
local_id: 1
bind_addr: 10.0.0.1
mode: ucast
port: 5405
crypto: {cipher: NONE, hash: NONE}
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject ucast mode with no nodes")
	}
}

func TestValidateRejectsUnknownCipher(t *testing.T) {
	path := writeTemp(t, `
local_id: 1
bind_addr: 10.0.0.1
mode: mcast
mcast_addr: 239.1.1.1
port: 5405
crypto: {cipher: ROT13, hash: NONE}
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an unknown cipher kind")
	}
}

func TestQuorumDenominatorFallsBackToNodeCount(t *testing.T) {
	path := writeTemp(t, validDoc)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := c.QuorumDenominator(); got != 2 {
		t.Fatalf("QuorumDenominator() = %d, want 2", got)
	}
}
