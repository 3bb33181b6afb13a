package audit

import (
	"context"
	"testing"
)

func TestAnonymizeIP(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "standard IPv4", input: "192.168.1.100", expected: "192.168.1.0"},
		{name: "IPv4 with last octet already 0", input: "10.0.0.0", expected: "10.0.0.0"},
		{name: "public IPv4", input: "203.0.113.195", expected: "203.0.113.0"},
		{name: "IPv4-mapped IPv6", input: "::ffff:198.51.100.7", expected: "198.51.100.0"},
		{name: "standard IPv6", input: "2001:0db8:85a3:0000:0000:8a2e:0370:7334", expected: "2001:db8:85a3::"},
		{name: "compressed IPv6", input: "2001:db8:85a3::8a2e:370:7334", expected: "2001:db8:85a3::"},
		{name: "loopback IPv6", input: "::1", expected: "::"},
		{name: "IPv6 with zone", input: "fe80::1%eth0", expected: "fe80::"},
		{name: "empty string", input: "", expected: ""},
		{name: "invalid IP", input: "not-an-ip", expected: ""},
		{name: "partial IPv4", input: "192.168.1", expected: ""},
		{name: "too many octets", input: "192.168.1.1.1", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AnonymizeIP(tt.input); got != tt.expected {
				t.Errorf("AnonymizeIP(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestAppender_AnonymizesBeforeHashing(t *testing.T) {
	repo := NewInMemoryRepository()
	cfg := DefaultAppenderConfig()
	cfg.AnonymizeIP = true
	appender, err := NewAppender(repo, cfg)
	if err != nil {
		t.Fatalf("NewAppender() error = %v", err)
	}

	ctx := context.Background()
	entry, err := appender.Append(ctx, "org-1", Draft{
		EventType: EventUserLogin,
		Client:    ClientContext{IPAddress: "192.168.1.100", UserAgent: "test"},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if entry.Client.IPAddress != "192.168.1.0" {
		t.Errorf("IPAddress = %q, want %q", entry.Client.IPAddress, "192.168.1.0")
	}

	stored, err := repo.Get(ctx, "org-1", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Client.IPAddress != "192.168.1.0" {
		t.Errorf("stored IPAddress = %q, want %q", stored.Client.IPAddress, "192.168.1.0")
	}

	verifier, err := NewVerifier(repo, VerifierConfig{})
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	res, err := verifier.Verify(ctx, "org-1", Range{}, VerifyOptions{})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !res.Valid {
		t.Errorf("Verify() valid = false, reason %s", res.Reason)
	}
}
