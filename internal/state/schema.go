package state

// SessionState is the persisted state of a training run.
// Written to <state-dir>/current-state.json.
type SessionState struct {
	SchemaVersion     int           `json:"schema_version"`
	RunID             string        `json:"run_id"`
	StartedAt         string        `json:"started_at"`
	LastUpdated       string        `json:"last_updated"`
	Status            string        `json:"status"`
	Stage             int           `json:"stage"`
	StartStage        int           `json:"start_stage"`
	MaxStage          int           `json:"max_stage"`
	Checkpoint        *string       `json:"checkpoint"`
	Curriculum        string        `json:"curriculum"`
	CurriculumHash    string        `json:"curriculum_hash"`
	StepBudget        int           `json:"step_budget"`
	NumEnvs           int           `json:"num_envs"`
	AutoPromote       bool          `json:"auto_promote"`
	ContinueAllStages bool          `json:"continue_all_stages"`
	CompletedStages   []StageRecord `json:"completed_stages"`
}

// StageRecord summarizes one finished stage.
type StageRecord struct {
	Stage           int      `json:"stage"`
	Promoted        bool     `json:"promoted"`
	Episodes        int      `json:"episodes"`
	WinRate         *float64 `json:"win_rate"`
	Steps           int      `json:"steps"`
	FinalCheckpoint string   `json:"final_checkpoint"`
}

// SchemaVersion is written into every new session.
const SchemaVersion = 1

// Status constants
const (
	StatusInProgress  = "IN_PROGRESS"
	StatusInterrupted = "INTERRUPTED"
	StatusComplete    = "COMPLETE"
	StatusStopped     = "STOPPED"
	StatusCancelled   = "CANCELLED"
)
