package notification

import "fmt"

// Event types matching the notification events.
const (
	EventPromoted    = "promoted"
	EventStopped     = "stopped"
	EventCompleted   = "completed"
	EventInterrupted = "interrupted"
	EventFailed      = "failed"
)

// FormatEvent creates a notification message for the given event.
// winRate is preformatted, e.g. "82.5%" or "n/a".
func FormatEvent(event string, runID string, stage int, winRate string, exitCode int) string {
	switch event {
	case EventPromoted:
		return fmt.Sprintf("🚀 dogfight [%s] stage %d promoted at win rate %s", runID, stage, winRate)
	case EventStopped:
		return fmt.Sprintf("🛑 dogfight [%s] stopped: stage %d not promoted (win rate %s) (exit %d)", runID, stage, winRate, exitCode)
	case EventCompleted:
		return fmt.Sprintf("✅ dogfight [%s] curriculum finished at stage %d (exit %d)", runID, stage, exitCode)
	case EventInterrupted:
		return fmt.Sprintf("⏸️ dogfight [%s] interrupted during stage %d. Use --resume (exit %d)", runID, stage, exitCode)
	case EventFailed:
		return fmt.Sprintf("❌ dogfight [%s] failed during stage %d (exit %d)", runID, stage, exitCode)
	default:
		return fmt.Sprintf("ℹ️ dogfight [%s] event: %s at stage %d (exit %d)", runID, event, stage, exitCode)
	}
}
