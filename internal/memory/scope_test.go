package memory

import "testing"

func TestScopeForSender(t *testing.T) {
	tests := []struct {
		name     string
		ownerID  string
		senderID string
		want     string
	}{
		{"no owner configured", "", "12345", OwnerScope},
		{"sender is owner", "12345", "12345", OwnerScope},
		{"empty sender", "12345", "", OwnerScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScopeForSender(tt.ownerID, tt.senderID); got != tt.want {
				t.Errorf("ScopeForSender(%q, %q) = %q, want %q", tt.ownerID, tt.senderID, got, tt.want)
			}
		})
	}
}

func TestScopeForSenderExternal(t *testing.T) {
	scope := ScopeForSender("owner", "stranger")
	if scope == OwnerScope {
		t.Fatal("external sender landed in the owner scope")
	}
	if len(scope) != 16 {
		t.Errorf("scope %q has length %d, want 16", scope, len(scope))
	}
	for _, c := range scope {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("scope %q contains non-hex rune %q", scope, c)
		}
	}

	// Stable per sender, distinct across senders.
	if again := ScopeForSender("owner", "stranger"); again != scope {
		t.Errorf("scope not stable: %q then %q", scope, again)
	}
	if other := ScopeForSender("owner", "someone_else"); other == scope {
		t.Error("different senders share a scope")
	}
}
