package state

import (
	"fmt"
)

// ResumeFromState prepares an existing session for resumption.
//
// The curriculum must still exist and, unless force is set, hash to the
// recorded value. Finished sessions cannot be resumed. On success the status
// is IN_PROGRESS and Stage/Checkpoint say where training continues.
func ResumeFromState(existing *SessionState, curriculumFile string, force bool) error {
	switch existing.Status {
	case StatusComplete, StatusCancelled:
		return fmt.Errorf("session %s is %s and cannot be resumed", existing.RunID, existing.Status)
	}

	if !force {
		if err := ValidateState(existing, curriculumFile); err != nil {
			return fmt.Errorf("state validation failed: %w", err)
		}
	}

	existing.Status = StatusInProgress
	return nil
}

// RecordStage appends a finished stage and moves the session forward to
// next, resuming from the stage's final checkpoint.
func (s *SessionState) RecordStage(rec StageRecord, next int) {
	s.CompletedStages = append(s.CompletedStages, rec)
	s.Stage = next
	if rec.FinalCheckpoint != "" {
		ckpt := rec.FinalCheckpoint
		s.Checkpoint = &ckpt
	}
}
