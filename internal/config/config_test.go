package config

import (
	"net"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Client.TaskThreads != 1 {
		t.Errorf("Expected TaskThreads 1, got %d", cfg.Client.TaskThreads)
	}

	if cfg.Server.Keepalive != 0 {
		t.Errorf("Expected Keepalive disabled, got %v", cfg.Server.Keepalive)
	}

	if !cfg.Server.ValidateCertificates {
		t.Error("Expected ValidateCertificates true by default")
	}

	if cfg.Server.ValidationDepth != 9 {
		t.Errorf("Expected ValidationDepth 9, got %d", cfg.Server.ValidationDepth)
	}

	if cfg.Server.LogMaxBackup != 100 {
		t.Errorf("Expected LogMaxBackup 100, got %d", cfg.Server.LogMaxBackup)
	}

	if cfg.H3.RecvBufSize != 8*1024*1024 {
		t.Errorf("Expected RecvBufSize 8MB, got %d", cfg.H3.RecvBufSize)
	}

	if cfg.H3.IdleTimeout != 3*time.Second {
		t.Errorf("Expected IdleTimeout 3s, got %v", cfg.H3.IdleTimeout)
	}

	if cfg.H3.DrainTimeout != 10*time.Millisecond {
		t.Errorf("Expected DrainTimeout 10ms, got %v", cfg.H3.DrainTimeout)
	}
}

func TestValidateClamps(t *testing.T) {
	tests := []struct {
		name    string
		threads int
		want    int
	}{
		{"below minimum", 0, 1},
		{"negative", -3, 1},
		{"in range", 8, 8},
		{"above maximum", 100, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Client.TaskThreads = tt.threads
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if cfg.Client.TaskThreads != tt.want {
				t.Errorf("TaskThreads = %d, want %d", cfg.Client.TaskThreads, tt.want)
			}
		})
	}
}

func TestValidateRejectsBadRollHour(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.LogRollHour = 24
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for logrollhour 24")
	}
}

func TestParseValidationExceptions(t *testing.T) {
	set, err := ParseValidationExceptions([]string{
		"ip 10.0.0.0/8 accept certificate-expired,self-signed-certificate",
		"ip 192.168.1.5 accept *",
	})
	if err != nil {
		t.Fatalf("ParseValidationExceptions failed: %v", err)
	}

	if set.TrustAllIPs {
		t.Error("TrustAllIPs should clear once an ip rule is given")
	}
	if len(set.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(set.Rules))
	}

	if !set.Accepts(net.ParseIP("10.1.2.3"), "certificate-expired") {
		t.Error("10.1.2.3 should accept certificate-expired")
	}
	if set.Accepts(net.ParseIP("10.1.2.3"), "chain-too-long") {
		t.Error("10.1.2.3 should not accept chain-too-long")
	}
	if !set.Accepts(net.ParseIP("192.168.1.5"), "chain-too-long") {
		t.Error("192.168.1.5 should accept anything via *")
	}
	if set.Accepts(net.ParseIP("8.8.8.8"), "certificate-expired") {
		t.Error("8.8.8.8 matches no rule")
	}
}

func TestParseValidationExceptionsNoIPRule(t *testing.T) {
	set, err := ParseValidationExceptions([]string{"accept certificate-untrusted"})
	if err != nil {
		t.Fatalf("ParseValidationExceptions failed: %v", err)
	}
	if !set.TrustAllIPs {
		t.Error("TrustAllIPs should stay set with no ip rule")
	}
	if !set.Accepts(net.ParseIP("203.0.113.9"), "certificate-untrusted") {
		t.Error("bare accept rule should apply to any address")
	}
}

func TestParseValidationExceptionsErrors(t *testing.T) {
	tests := []string{
		"ip",
		"ip not-an-address accept *",
		"ip 10.0.0.1 accept bogus-label",
		"ip 10.0.0.1",
		"frobnicate yes",
	}
	for _, entry := range tests {
		if _, err := ParseValidationExceptions([]string{entry}); err == nil {
			t.Errorf("expected error for %q", entry)
		}
	}
}
