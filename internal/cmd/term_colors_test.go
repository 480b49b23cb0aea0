package cmd

import (
	"testing"

	"github.com/muesli/termenv"
)

func TestColorToX11(t *testing.T) {
	tests := []struct {
		name  string
		color termenv.Color
		want  string
	}{
		{"nil", nil, ""},
		{"rgb black", termenv.RGBColor("#000000"), "rgb:0000/0000/0000"},
		{"rgb white", termenv.RGBColor("#ffffff"), "rgb:ffff/ffff/ffff"},
		{"rgb mixed", termenv.RGBColor("#336699"), "rgb:3333/6666/9999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := colorToX11(tt.color); got != tt.want {
				t.Errorf("colorToX11 = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTerminalColorHintsRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	in := terminalColorHints{
		OscFg:     "rgb:ffff/ffff/ffff",
		OscBg:     "rgb:0000/0000/0000",
		ColorFGBG: "15;0",
	}
	if err := persistTerminalColorHints(in); err != nil {
		t.Fatalf("persist: %v", err)
	}
	out, ok := loadTerminalColorHints()
	if !ok {
		t.Fatal("load failed")
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestLoadTerminalColorHintsMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if _, ok := loadTerminalColorHints(); ok {
		t.Error("load succeeded with no cache file")
	}
}
