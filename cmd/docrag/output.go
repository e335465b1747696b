package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
	colorBold  = "\033[1m"
)

// diag receives progress and status lines; stdout is reserved for answers.
var diag io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// mark picks a plain-ASCII marker when colors are off.
func mark(symbol, plain string) string {
	if noColor {
		return plain
	}
	return symbol
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(diag, colorize(colorGreen, mark("✓", "ok")+" "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(diag, colorize(colorRed, mark("✗", "error:")+" "+fmt.Sprintf(format, args...)))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(diag, colorize(colorCyan, mark("→", "->")+" "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(diag, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
