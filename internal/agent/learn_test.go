package agent

import "testing"

func TestTrimJSONFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare json", `[{"header":"a"}]`, `[{"header":"a"}]`},
		{"json fence", "```json\n[{\"header\":\"a\"}]\n```", `[{"header":"a"}]`},
		{"plain fence", "```\n[]\n```", "[]"},
		{"surrounding whitespace", "  \n```json\n[]\n```  ", "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trimJSONFence(tt.in); got != tt.want {
				t.Errorf("trimJSONFence(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
