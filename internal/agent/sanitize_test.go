package agent

import "testing"

func TestSanitizeAssistantContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "clean passthrough",
			in:   "Here is your answer.",
			want: "Here is your answer.",
		},
		{
			name: "think tags removed",
			in:   "<think>reasoning goes here</think>The answer is 42.",
			want: "The answer is 42.",
		},
		{
			name: "thinking tags across lines",
			in:   "<thinking>step 1\nstep 2</thinking>\nDone.",
			want: "Done.",
		},
		{
			name: "thought tags removed",
			in:   "<thought>hmm</thought>Sure thing.",
			want: "Sure thing.",
		},
		{
			name: "final wrapper unwrapped",
			in:   "<final>The result is ready.</final>",
			want: "The result is ready.",
		},
		{
			name: "echoed system message dropped",
			in:   "[System Message] You are a helpful assistant.\nHello!",
			want: "Hello!",
		},
		{
			name: "consecutive duplicate paragraphs collapsed",
			in:   "Same paragraph.\n\nSame paragraph.\n\nDifferent one.",
			want: "Same paragraph.\n\nDifferent one.",
		},
		{
			name: "non-consecutive duplicates kept",
			in:   "A.\n\nB.\n\nA.",
			want: "A.\n\nB.\n\nA.",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAssistantContent(tt.in); got != tt.want {
				t.Errorf("SanitizeAssistantContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeKeepsFinalWordInProse(t *testing.T) {
	in := "The final answer is 42."
	if got := SanitizeAssistantContent(in); got != in {
		t.Errorf("prose containing 'final' altered: %q", got)
	}
}
