// Package export refreshes the self-play opponent snapshot by running the
// external format exporter on a stage's final checkpoint.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoCommand is returned when no exporter command is configured.
var ErrNoCommand = errors.New("no snapshot export command configured")

// DefaultRetry is three attempts two seconds apart, doubling.
var DefaultRetry = RetryConfig{MaxRetries: 2, BaseDelay: 2 * time.Second}

// Exporter invokes `<Command...> --checkpoint <ckpt> --output <path>`.
type Exporter struct {
	Command []string
	Retry   RetryConfig
}

// New returns an exporter for argv using DefaultRetry.
func New(argv []string) *Exporter {
	return &Exporter{Command: argv, Retry: DefaultRetry}
}

// Export writes the snapshot for checkpoint to output, retrying failures.
func (e *Exporter) Export(ctx context.Context, checkpoint, output string) error {
	if len(e.Command) == 0 {
		return ErrNoCommand
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	return RetryWithBackoff(ctx, e.Retry, func() error {
		return e.run(ctx, checkpoint, output)
	})
}

func (e *Exporter) run(ctx context.Context, checkpoint, output string) error {
	args := append(append([]string{}, e.Command[1:]...), "--checkpoint", checkpoint, "--output", output)
	//nolint:gosec // the exporter command comes from operator configuration
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	if err := cmd.Run(); err != nil {
		if tail := lastLine(combined.String()); tail != "" {
			return fmt.Errorf("export %s: %w: %s", checkpoint, err, tail)
		}
		return fmt.Errorf("export %s: %w", checkpoint, err)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
