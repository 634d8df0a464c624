package vault

import (
	"strings"
	"testing"
)

func openTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"API_KEY", "api_key"},
		{"  db.pass ", "db.pass"},
		{"a-b_c.d", "a-b_c.d"},
		{"bad name", ""},
		{"", ""},
		{strings.Repeat("a", 81), ""},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPutRevealRoundTrip(t *testing.T) {
	v := openTestVault(t)
	if err := v.Put("API_KEY", "hunter2-secret"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := v.Reveal("api_key")
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if got != "hunter2-secret" {
		t.Errorf("Reveal() = %q, want %q", got, "hunter2-secret")
	}
}

func TestCipherTokenFormat(t *testing.T) {
	v := openTestVault(t)
	if err := v.Put("tok", "value"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	token, err := v.GetCipher("tok")
	if err != nil {
		t.Fatalf("GetCipher() error = %v", err)
	}
	if !strings.HasPrefix(token, "sv1.") {
		t.Fatalf("token %q missing sv1. prefix", token)
	}
	if parts := strings.Split(token, "."); len(parts) != 4 {
		t.Errorf("token has %d segments, want 4", len(parts))
	}
}

func TestResolvePlaceholder(t *testing.T) {
	v := openTestVault(t)
	if err := v.Put("api_key", "hello"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	out, report := v.Resolve("call {{secret:api_key}} now")
	if !report.Empty() {
		t.Fatalf("report not empty: %+v", report)
	}
	if out != "call hello now" {
		t.Errorf("Resolve() = %q, want %q", out, "call hello now")
	}
	if strings.Count(out, "hello") != 1 {
		t.Errorf("plaintext appears %d times, want 1", strings.Count(out, "hello"))
	}
}

func TestResolveMissingKey(t *testing.T) {
	v := openTestVault(t)
	out, report := v.Resolve("use {{secret:unknown}}")
	if len(report.MissingKeys) != 1 || report.MissingKeys[0] != "unknown" {
		t.Errorf("MissingKeys = %v, want [unknown]", report.MissingKeys)
	}
	if !strings.Contains(out, "{{secret:unknown}}") {
		t.Errorf("placeholder should remain in output, got %q", out)
	}
}

func TestResolveInvalidCiphertext(t *testing.T) {
	v := openTestVault(t)
	bad := "sv1.AAAAAAAAAAAAAAAA.AAAAAAAAAAAAAAAAAAAAAA.AAAA"
	_, report := v.Resolve("token " + bad)
	if len(report.InvalidCiphertexts) != 1 {
		t.Fatalf("InvalidCiphertexts = %v, want one entry", report.InvalidCiphertexts)
	}
}

func TestInspectReferencesDoesNotSubstitute(t *testing.T) {
	v := openTestVault(t)
	if err := v.Put("k", "plain-value"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	text := "value is {{secret:k}} and {{secret:gone}}"
	report := v.InspectReferences(text)
	if len(report.MissingKeys) != 1 || report.MissingKeys[0] != "gone" {
		t.Errorf("MissingKeys = %v, want [gone]", report.MissingKeys)
	}
}

func TestRevealDecryptFailureReturnsEmpty(t *testing.T) {
	v := openTestVault(t)
	if _, err := v.db.Exec(`INSERT INTO secrets (name, ciphertext, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
		"broken", "sv1.AAAAAAAAAAAAAAAA.AAAAAAAAAAAAAAAAAAAAAA.AAAA"); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	got, err := v.Reveal("broken")
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if got != "" {
		t.Errorf("Reveal() = %q, want empty string", got)
	}
}

func TestMaskKnownSecrets(t *testing.T) {
	v := openTestVault(t)
	if err := v.Put("long", "supersecret"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := v.Put("tiny", "abc"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	out := v.MaskKnownSecrets("send supersecret and abc")
	if strings.Contains(out, "supersecret") {
		t.Errorf("long secret not redacted: %q", out)
	}
	if !strings.Contains(out, "[REDACTED:SECRET]") {
		t.Errorf("redaction marker missing: %q", out)
	}
	if !strings.Contains(out, "abc") {
		t.Errorf("short secrets (<4 chars) should not be redacted: %q", out)
	}
}

func TestRemoveAndList(t *testing.T) {
	v := openTestVault(t)
	for _, n := range []string{"b", "a", "c"} {
		if err := v.Put(n, "x-"+n); err != nil {
			t.Fatalf("Put(%q) error = %v", n, err)
		}
	}
	if err := v.Remove("b"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	names, err := v.ListNames()
	if err != nil {
		t.Fatalf("ListNames() error = %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Errorf("ListNames() = %v, want [a c]", names)
	}
}
