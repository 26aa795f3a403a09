package main

import (
	"fmt"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

// statusColor highlights failed and finished statuses in listings.
func statusColor(status string) string {
	switch status {
	case "FAILED_PARSING", "FAILED_ANALYSIS":
		return colorize(colorRed, status)
	case "COMPLETE", "ARCHIVED_CC":
		return colorize(colorGreen, status)
	case "PENDING_CONFIRMATION":
		return colorize(colorYellow, status)
	default:
		return colorize(colorCyan, status)
	}
}
