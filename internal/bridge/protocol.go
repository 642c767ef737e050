package bridge

import (
	"encoding/json"
	"fmt"
)

// ObservationSize is the length of every observation vector the simulation emits.
const ObservationSize = 36

// Action is one agent decision for a single tick.
type Action struct {
	Move int // movement index, 0..9
	Fire int // 0 or 1
}

// Request is one of the commands the simulation understands. The set is
// closed: ResetRequest, StepRequest and CloseRequest are the only
// implementations.
type Request interface {
	Command() string
	payload() any
}

// ResetRequest starts a new episode with the given environment parameters.
type ResetRequest struct {
	Config map[string]any
}

// StepRequest advances the running episode by one agent decision.
type StepRequest struct {
	Action Action
}

// CloseRequest asks the simulation to exit. Its reply is ignored.
type CloseRequest struct{}

func (ResetRequest) Command() string { return "reset" }
func (StepRequest) Command() string  { return "step" }
func (CloseRequest) Command() string { return "close" }

func (r ResetRequest) payload() any {
	cfg := r.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	return struct {
		Command string         `json:"command"`
		Config  map[string]any `json:"config"`
	}{"reset", cfg}
}

func (r StepRequest) payload() any {
	return struct {
		Command string `json:"command"`
		Action  int    `json:"action"`
		Fire    int    `json:"fire"`
	}{"step", r.Action.Move, r.Action.Fire}
}

func (CloseRequest) payload() any {
	return struct {
		Command string `json:"command"`
	}{"close"}
}

// EncodeRequest returns the single wire line (newline included) for req.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req.payload())
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Command(), err)
	}
	return append(data, '\n'), nil
}

// Reply is a decoded, validated success response.
type Reply struct {
	Observation []float64
	Reward      float64
	Done        bool
	Info        Info
}

// wireResponse mirrors every field a response line may carry. Pointers
// distinguish "absent" from zero values.
type wireResponse struct {
	Observation []float64      `json:"observation"`
	Reward      *float64       `json:"reward"`
	Done        *bool          `json:"done"`
	Info        map[string]any `json:"info"`
	Error       *string        `json:"error"`
}

// DecodeReply parses one response line for req. Lines that are not a JSON
// object, or that lack a field the command requires, yield a ProtocolError.
// A well-formed {"error": ...} reply yields a RemoteError.
func DecodeReply(slot int, req Request, line []byte) (Reply, error) {
	var resp wireResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return Reply{}, &ProtocolError{Slot: slot, Line: truncate(line), Err: err}
	}
	if resp.Error != nil {
		return Reply{}, &RemoteError{Slot: slot, Command: req.Command(), Message: *resp.Error}
	}

	switch req.(type) {
	case CloseRequest:
		return Reply{}, nil
	case ResetRequest:
		if err := checkObservation(resp.Observation); err != nil {
			return Reply{}, &ProtocolError{Slot: slot, Line: truncate(line), Err: err}
		}
		return Reply{Observation: resp.Observation, Info: Info{}}, nil
	case StepRequest:
		if err := checkObservation(resp.Observation); err != nil {
			return Reply{}, &ProtocolError{Slot: slot, Line: truncate(line), Err: err}
		}
		if resp.Reward == nil || resp.Done == nil {
			return Reply{}, &ProtocolError{Slot: slot, Line: truncate(line), Err: fmt.Errorf("step reply missing reward or done")}
		}
		info := Info(resp.Info)
		if info == nil {
			info = Info{}
		}
		return Reply{
			Observation: resp.Observation,
			Reward:      *resp.Reward,
			Done:        *resp.Done,
			Info:        info,
		}, nil
	default:
		return Reply{}, fmt.Errorf("unknown request type %T", req)
	}
}

func checkObservation(obs []float64) error {
	if len(obs) != ObservationSize {
		return fmt.Errorf("observation has %d values, want %d", len(obs), ObservationSize)
	}
	return nil
}

func truncate(line []byte) string {
	const max = 120
	if len(line) > max {
		return string(line[:max]) + "..."
	}
	return string(line)
}

// Info is the free-form info object attached to a step reply.
type Info map[string]any

// Terminal returns the terminal record for a finished episode. Simulations
// that auto-reset nest it under "terminal_info"; others report it inline.
func (i Info) Terminal() Info {
	if nested, ok := i["terminal_info"].(map[string]any); ok {
		return Info(nested)
	}
	return i
}

// Winner returns the winner tag, if the record carries one.
func (i Info) Winner() (string, bool) {
	v, ok := i["winner"]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v), true
	}
	return s, true
}

// String returns a string field or "".
func (i Info) String(key string) string {
	s, _ := i[key].(string)
	return s
}

// RewardBreakdown returns the named reward contributions, or nil when the
// record carries none. Non-numeric components are dropped.
func (i Info) RewardBreakdown() map[string]float64 {
	raw, ok := i["rewardBreakdown"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}
