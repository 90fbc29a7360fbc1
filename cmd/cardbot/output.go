package main

import (
	"encoding/json"
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

// Messages go to stderr; stdout carries only command results.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// isTerminal reports whether w is an interactive terminal. Pipes, files and
// test buffers are not.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// notice is one kind of one-line message with its marker and color.
type notice struct {
	color  string
	marker string
}

var (
	noticeSuccess = notice{colorGreen, "✓"}
	noticeError   = notice{colorRed, "✗"}
	noticeWarning = notice{colorYellow, "⚠"}
	noticeStep    = notice{colorCyan, "→"}
)

func (n notice) print(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(n.color, n.marker+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { noticeSuccess.print(format, args...) }
func printError(format string, args ...any)   { noticeError.print(format, args...) }
func printWarning(format string, args ...any) { noticeWarning.print(format, args...) }
func printStep(format string, args ...any)    { noticeStep.print(format, args...) }

// printStatus prints an indented "label: value" line.
func printStatus(label, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
