package notification

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// sendTimeout bounds one notification command.
var sendTimeout = 10 * time.Second

// SendNotification runs the operator's notify command with the message as
// its last argument. Fire-and-forget: never blocks training for longer than
// the timeout, silent on failure. No-op when command is empty.
func SendNotification(command, message string) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	//nolint:gosec // the notify command comes from operator configuration
	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], message)...)

	// Fire and forget - ignore errors
	_ = cmd.Run()
}
