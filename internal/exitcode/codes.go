// Package exitcode defines named exit codes for the dogfight-trainer CLI.
//
// Each code maps a specific termination condition to a numeric value
// recognized by shell scripts and CI pipelines.
package exitcode

// Exit code constants.
const (
	Success       = 0   // Curriculum finished, or the requested stages completed
	Error         = 1   // Invalid args, unreadable curriculum, spawn or save failure
	NotPromoted   = 2   // A stage missed promotion and the curriculum stopped
	StageNotFound = 3   // Requested stage absent from the curriculum
	Interrupted   = 130 // SIGINT/SIGTERM received
)

// Name returns the human-readable name for the given exit code.
// Unknown codes return "unknown".
func Name(code int) string {
	switch code {
	case Success:
		return "Success"
	case Error:
		return "Error"
	case NotPromoted:
		return "NotPromoted"
	case StageNotFound:
		return "StageNotFound"
	case Interrupted:
		return "Interrupted"
	default:
		return "unknown"
	}
}
