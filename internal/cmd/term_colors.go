package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/muesli/termenv"
	"golang.org/x/term"

	"parley/internal/config"
)

type terminalColorHints struct {
	OscFg     string `json:"osc_fg,omitempty"`
	OscBg     string `json:"osc_bg,omitempty"`
	ColorFGBG string `json:"colorfgbg,omitempty"`
}

// detectTerminalColorHints captures current terminal colors for OSC 10/11
// responses and a COLORFGBG hint for fallback palette selection.
func detectTerminalColorHints() (oscFg, oscBg, colorfgbg string) {
	overrideFg := os.Getenv("PARLEY_OSC_FG")
	overrideBg := os.Getenv("PARLEY_OSC_BG")
	overrideColorFGBG := os.Getenv("PARLEY_COLORFGBG")

	if term.IsTerminal(int(os.Stdout.Fd())) {
		output := termenv.NewOutput(os.Stdout)
		if fg := output.ForegroundColor(); fg != nil {
			oscFg = colorToX11(fg)
		}
		if bg := output.BackgroundColor(); bg != nil {
			oscBg = colorToX11(bg)
		}

		colorfgbg = os.Getenv("COLORFGBG")
		if colorfgbg == "" {
			// Keep a simple, widely used fallback format when COLORFGBG is unset.
			if output.HasDarkBackground() {
				colorfgbg = "15;0"
			} else {
				colorfgbg = "0;15"
			}
		}

		_ = persistTerminalColorHints(terminalColorHints{
			OscFg:     oscFg,
			OscBg:     oscBg,
			ColorFGBG: colorfgbg,
		})
	} else if cached, ok := loadTerminalColorHints(); ok {
		oscFg = cached.OscFg
		oscBg = cached.OscBg
		colorfgbg = cached.ColorFGBG
	}

	if colorfgbg == "" {
		colorfgbg = os.Getenv("COLORFGBG")
	}

	if overrideFg != "" {
		oscFg = overrideFg
	}
	if overrideBg != "" {
		oscBg = overrideBg
	}
	if overrideColorFGBG != "" {
		colorfgbg = overrideColorFGBG
	}

	return oscFg, oscBg, colorfgbg
}

// refreshTerminalColorHintsCache updates terminal color hints on disk when
// this process has a TTY. Non-TTY invocations are a no-op.
func refreshTerminalColorHintsCache() {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		detectTerminalColorHints()
	}
}

// colorToX11 converts a termenv.Color to X11 rgb: format.
func colorToX11(c termenv.Color) string {
	if c == nil {
		return ""
	}
	if v, ok := c.(termenv.RGBColor); ok {
		hex := string(v)
		if len(hex) == 7 && hex[0] == '#' {
			r, _ := strconv.ParseUint(hex[1:3], 16, 8)
			g, _ := strconv.ParseUint(hex[3:5], 16, 8)
			b, _ := strconv.ParseUint(hex[5:7], 16, 8)
			return fmt.Sprintf("rgb:%04x/%04x/%04x", r*0x101, g*0x101, b*0x101)
		}
	}
	rgb := termenv.ConvertToRGB(c)
	r := uint16(rgb.R*255 + 0.5)
	g := uint16(rgb.G*255 + 0.5)
	b := uint16(rgb.B*255 + 0.5)
	return fmt.Sprintf("rgb:%04x/%04x/%04x", r*0x101, g*0x101, b*0x101)
}

func terminalColorHintsPath() string {
	return filepath.Join(config.ConfigDir(), "terminal-colors.json")
}

func persistTerminalColorHints(h terminalColorHints) error {
	path := terminalColorHintsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func loadTerminalColorHints() (terminalColorHints, bool) {
	data, err := os.ReadFile(terminalColorHintsPath())
	if err != nil {
		return terminalColorHints{}, false
	}
	var h terminalColorHints
	if err := json.Unmarshal(data, &h); err != nil {
		return terminalColorHints{}, false
	}
	return h, true
}
