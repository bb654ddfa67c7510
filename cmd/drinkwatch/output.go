package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// out receives all status output. Stdout is kept for data (JSON, MCP).
var out io.Writer = os.Stderr

// colorEnabled reports whether stderr is a terminal that wants colour.
func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(color, symbol, format string, args ...any) {
	fmt.Fprintln(out, colorize(color, symbol+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { printLine(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { printLine(colorCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(out, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
