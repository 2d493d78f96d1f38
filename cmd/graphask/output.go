package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/kalambet/graphask/internal/answers"
)

func colorize(text string, attrs ...color.Attribute) string {
	c := color.New(attrs...)
	if noColor {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c.Sprint(text)
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize("✓ "+msg, color.FgGreen))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize("✗ "+msg, color.FgRed))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize("⚠ "+msg, color.FgYellow))
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize("→ "+msg, color.FgCyan))
}

// statusLabel renders an answer status in its color.
func statusLabel(s answers.Status) string {
	switch s {
	case answers.StatusDone:
		return colorize(string(s), color.FgGreen)
	case answers.StatusFailed:
		return colorize(string(s), color.FgRed)
	case answers.StatusRunning, answers.StatusQueued:
		return colorize(string(s), color.FgYellow)
	default:
		return colorize(string(s), color.FgCyan)
	}
}
