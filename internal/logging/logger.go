// Package logging provides colored, leveled log output for the trainer.
//
// Every function writes one prefixed, color-coded line. Debug output is
// suppressed unless verbose mode is enabled via SetVerbose(true).
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var (
	mu      sync.Mutex
	verbose bool
	out     io.Writer = os.Stdout
	errOut  io.Writer = os.Stderr
)

// Color printers for each log level.
var (
	infoPrefix    = color.New(color.FgBlue).SprintFunc()
	successPrefix = color.New(color.FgGreen).SprintFunc()
	warnPrefix    = color.New(color.FgYellow).SprintFunc()
	errorPrefix   = color.New(color.FgRed).SprintFunc()
	phasePrefix   = color.New(color.FgCyan).SprintFunc()
	debugPrefix   = color.New(color.FgBlue).SprintFunc()
)

// statusColors picks the tag color for Status lines.
var statusColors = map[string]func(a ...interface{}) string{
	"TRAINING":      color.New(color.FgBlue).SprintFunc(),
	"READY":         color.New(color.FgGreen, color.Bold).SprintFunc(),
	"METRICS":       color.New(color.FgMagenta).SprintFunc(),
	"BEST":          color.New(color.FgGreen).SprintFunc(),
	"CONFIG RELOAD": color.New(color.FgYellow).SprintFunc(),
}

// SetVerbose enables or disables Debug output.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
}

// SetOutput redirects standard and error output. Nil writers restore the
// process streams.
func SetOutput(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	out, errOut = stdout, stderr
}

func writeLine(toErr bool, line string) {
	mu.Lock()
	defer mu.Unlock()
	w := out
	if toErr {
		w = errOut
	}
	fmt.Fprintln(w, line)
}

// Info prints an informational message in blue.
func Info(msg string) {
	writeLine(false, infoPrefix("[INFO]")+" "+msg)
}

// Success prints a success message in green.
func Success(msg string) {
	writeLine(false, successPrefix("[SUCCESS]")+" "+msg)
}

// Warn prints a warning message in yellow.
func Warn(msg string) {
	writeLine(false, warnPrefix("[WARN]")+" "+msg)
}

// Error prints an error message to the error stream in red.
func Error(msg string) {
	writeLine(true, errorPrefix("[ERROR]")+" "+msg)
}

// Phase prints a header in cyan, surrounded by separator lines.
func Phase(msg string) {
	sep := phasePrefix(strings.Repeat("━", 60))
	writeLine(false, sep+"\n"+phasePrefix("[PHASE]")+" "+msg+"\n"+sep)
}

// Status prints an indented progress line with a free-form tag such as
// TRAINING, READY or METRICS.
func Status(tag, msg string) {
	paint, ok := statusColors[tag]
	if !ok {
		paint = infoPrefix
	}
	writeLine(false, "  "+paint("["+tag+"]")+" "+msg)
}

// Detail prints a continuation line under the previous Status line.
func Detail(msg string) {
	writeLine(false, "    "+msg)
}

// Plain prints a line as-is to standard output. Banners use it.
func Plain(line string) {
	writeLine(false, line)
}

// Debug prints a debug message in blue, only when verbose mode is enabled.
func Debug(msg string) {
	mu.Lock()
	v := verbose
	mu.Unlock()
	if !v {
		return
	}
	writeLine(false, debugPrefix("[DEBUG]")+" "+msg)
}

// FormatDuration converts a duration in seconds to a human-readable string.
//
// Examples:
//
//	FormatDuration(45)   => "45s"
//	FormatDuration(90)   => "1m 30s"
//	FormatDuration(3661) => "1h 1m 1s"
func FormatDuration(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	return fmt.Sprintf("%dh %dm %ds", seconds/3600, (seconds%3600)/60, seconds%60)
}
