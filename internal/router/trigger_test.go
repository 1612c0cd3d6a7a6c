package router

import "testing"

func TestTriggered(t *testing.T) {
	tests := []struct {
		name   string
		phrase string
		text   string
		want   bool
	}{
		{"mention match", "@andy", "@andy what's the weather", true},
		{"case insensitive", "@andy", "@ANDY help me out", true},
		{"bare name does not fire", "@andy", "andy what's the weather", false},
		{"phrase without at sign normalized", "andy", "@andy hello", true},
		{"normalized phrase still needs mention", "andy", "andy hello", false},
		{"word boundary holds", "@andy", "@andyroid is a robot", false},
		{"mid-sentence does not fire", "@andy", "I asked @andy yesterday", false},
		{"empty message", "@andy", "", false},
		{"leading whitespace tolerated", "@andy", "   @andy ping", true},
		{"punctuation after phrase", "@andy", "@andy, are you there?", true},
		{"possessive after phrase", "@andy", "@andy's thing", true},
		{"multiword phrase", "hey andy", "@hey andy do the thing", true},
		{"multiword partial", "hey andy", "@hey andrew", false},
		{"regex metacharacters literal", "andy+", "@andy+ run", true},
		{"metacharacters not interpreted", "andy+", "@andyyy run", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Triggered(tt.phrase, tt.text); got != tt.want {
				t.Errorf("Triggered(%q, %q) = %v, want %v", tt.phrase, tt.text, got, tt.want)
			}
		})
	}
}
