package creds

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Set("telegram_token", "123456:ABCDEF"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := s.Get("telegram_token"); got != "123456:ABCDEF" {
		t.Errorf("Get = %q", got)
	}
	if got := s.Get("missing"); got != "" {
		t.Errorf("missing secret = %q, want empty", got)
	}

	// A fresh store over the same file decrypts the persisted value.
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Get("telegram_token"); got != "123456:ABCDEF" {
		t.Errorf("Get after reopen = %q", got)
	}
}

func TestSecretsNotStoredInPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set("api_key", "super-secret-value"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Contains(string(raw), "super-secret-value") {
		t.Error("secret appears in plaintext on disk")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestDeleteAndNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := s.Set(name, "v"); err != nil {
			t.Fatalf("Set(%s): %v", name, err)
		}
	}

	names := s.Names()
	if len(names) != 3 || names[0] != "alpha" || names[2] != "zeta" {
		t.Errorf("Names = %v, want sorted [alpha mid zeta]", names)
	}

	if err := s.Delete("mid"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := s.Get("mid"); got != "" {
		t.Errorf("deleted secret still readable: %q", got)
	}
	if err := s.Delete("never_there"); err != nil {
		t.Errorf("deleting a missing secret: %v", err)
	}

	all := s.GetAll()
	if len(all) != 2 || all["alpha"] != "v" {
		t.Errorf("GetAll = %v", all)
	}
}

func TestCorruptFileDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open on corrupt file: %v", err)
	}
	if names := s.Names(); len(names) != 0 {
		t.Errorf("corrupt store has entries: %v", names)
	}

	// The degraded store is usable.
	if err := s.Set("fresh", "value"); err != nil {
		t.Fatalf("Set after degrade: %v", err)
	}
	if got := s.Get("fresh"); got != "value" {
		t.Errorf("Get after degrade = %q", got)
	}
}

func TestInvalidSaltDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`{"salt":"bad","entries":{"a":"b"}}`), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if names := s.Names(); len(names) != 0 {
		t.Errorf("store with invalid salt has entries: %v", names)
	}
}

func TestMachineIdentityNonEmpty(t *testing.T) {
	if machineIdentity() == "" {
		t.Error("machineIdentity returned empty")
	}
}
