package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultThreshold is the promotion threshold for stages that do not set one.
const DefaultThreshold = 0.8

// DefaultMaxTicks converts an episode budget to steps when the start stage
// does not set maxTicks.
const DefaultMaxTicks = 3600

// EnvKeys are the stage fields forwarded to the simulation on reset.
var EnvKeys = []string{
	"shipHP",
	"enemyHP",
	"maxTicks",
	"asteroidDensity",
	"enemyPolicy",
	"enemyShoots",
	"spawnDistance",
	"spawnFacing",
	"rewardWeights",
	"frameSkip",
	"aiHoldTime",
	"aiSimSteps",
	"aiMaxSpeedFactor",
	"selfPlayModelPath",
	"evasionWaypointRadius",
	"evasionArrivalDist",
	"evasionMaxHoldTime",
	"evasionCandidates",
	"campCheckTicks",
	"campMinClosing",
}

// PPODefaults fills optimizer keys the curriculum leaves out.
var PPODefaults = map[string]any{
	"learning_rate": 3e-4,
	"n_steps":       2048,
	"batch_size":    64,
	"n_epochs":      10,
	"gamma":         0.99,
	"gae_lambda":    0.95,
	"clip_range":    0.2,
	"ent_coef":      0.01,
	"vf_coef":       0.5,
	"max_grad_norm": 0.5,
}

// Stage is one curriculum phase.
type Stage struct {
	Number                    int
	Description               string
	PromotionThreshold        float64
	ExportSnapshotOnPromotion bool
	Env                       map[string]any
}

// MaxTicks returns the stage's episode tick limit, or DefaultMaxTicks.
func (s Stage) MaxTicks() int {
	if v, ok := toFloat(s.Env["maxTicks"]); ok && v > 0 {
		return int(v)
	}
	return DefaultMaxTicks
}

// ExportSpec describes the external snapshot exporter.
type ExportSpec struct {
	Command []string
	Output  string
}

// Curriculum is a parsed curriculum source.
type Curriculum struct {
	Path   string
	Stages map[int]Stage
	PPO    map[string]any
	Policy map[string]any
	Export ExportSpec
}

// StageNotFoundError reports a stage number absent from the curriculum.
type StageNotFoundError struct {
	Stage     int
	Path      string
	Available []int
}

func (e *StageNotFoundError) Error() string {
	return fmt.Sprintf("stage %d not found in %s (available: %v)", e.Stage, e.Path, e.Available)
}

// ReloadError wraps a failure to re-read the curriculum while training runs.
type ReloadError struct {
	Path string
	Err  error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reload %s: %v", e.Path, e.Err)
}

func (e *ReloadError) Unwrap() error {
	return e.Err
}

// LoadCurriculum reads a curriculum file. Files ending in .toml are parsed
// as TOML; everything else as YAML.
func LoadCurriculum(path string) (*Curriculum, error) {
	//nolint:gosec // curriculum path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read curriculum: %w", err)
	}

	var doc map[string]any
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse curriculum %s: %w", path, err)
	}
	return parseCurriculum(path, doc)
}

func parseCurriculum(path string, doc map[string]any) (*Curriculum, error) {
	c := &Curriculum{
		Path:   path,
		Stages: make(map[int]Stage),
		PPO:    make(map[string]any, len(PPODefaults)),
		Policy: map[string]any{},
	}

	rawStages, ok := toStringMap(doc["stages"])
	if !ok || len(rawStages) == 0 {
		return nil, fmt.Errorf("curriculum %s: no stages defined", path)
	}
	for key, raw := range rawStages {
		n, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("curriculum %s: stage key %q is not a number", path, key)
		}
		fields, ok := toStringMap(raw)
		if !ok {
			return nil, fmt.Errorf("curriculum %s: stage %d is not a mapping", path, n)
		}
		stage, err := parseStage(n, fields)
		if err != nil {
			return nil, fmt.Errorf("curriculum %s: %w", path, err)
		}
		c.Stages[n] = stage
	}

	for k, v := range PPODefaults {
		c.PPO[k] = v
	}
	if ppo, ok := toStringMap(doc["ppo"]); ok {
		for k, v := range ppo {
			c.PPO[k] = v
		}
	}
	if _, ok := toFloat(c.PPO["learning_rate"]); !ok {
		return nil, fmt.Errorf("curriculum %s: ppo.learning_rate must be a number", path)
	}

	if policy, ok := toStringMap(doc["policy"]); ok {
		c.Policy = policy
	}

	if export, ok := toStringMap(doc["export"]); ok {
		if cmd, ok := export["command"].([]any); ok {
			for _, part := range cmd {
				c.Export.Command = append(c.Export.Command, fmt.Sprint(part))
			}
		} else if s, ok := export["command"].(string); ok {
			c.Export.Command = strings.Fields(s)
		}
		c.Export.Output, _ = export["output"].(string)
	}
	return c, nil
}

func parseStage(n int, fields map[string]any) (Stage, error) {
	s := Stage{
		Number:             n,
		PromotionThreshold: DefaultThreshold,
		Env:                make(map[string]any),
	}
	s.Description, _ = fields["description"].(string)

	if raw, present := fields["promotionThreshold"]; present {
		v, ok := toFloat(raw)
		if !ok {
			return Stage{}, fmt.Errorf("stage %d: promotionThreshold must be a number", n)
		}
		s.PromotionThreshold = v
	}
	if raw, present := fields["exportSnapshotOnPromotion"]; present {
		v, ok := raw.(bool)
		if !ok {
			return Stage{}, fmt.Errorf("stage %d: exportSnapshotOnPromotion must be a boolean", n)
		}
		s.ExportSnapshotOnPromotion = v
	}
	for _, k := range EnvKeys {
		if v, ok := fields[k]; ok {
			s.Env[k] = v
		}
	}
	return s, nil
}

// Stage returns stage n or a *StageNotFoundError.
func (c *Curriculum) Stage(n int) (Stage, error) {
	s, ok := c.Stages[n]
	if !ok {
		return Stage{}, &StageNotFoundError{Stage: n, Path: c.Path, Available: c.StageNumbers()}
	}
	return s, nil
}

// StageNumbers returns every defined stage number in ascending order.
func (c *Curriculum) StageNumbers() []int {
	nums := make([]int, 0, len(c.Stages))
	for n := range c.Stages {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// MaxStage returns the highest defined stage number.
func (c *Curriculum) MaxStage() int {
	nums := c.StageNumbers()
	return nums[len(nums)-1]
}

// LearningRate returns ppo.learning_rate.
func (c *Curriculum) LearningRate() float64 {
	v, _ := toFloat(c.PPO["learning_rate"])
	return v
}

// toStringMap normalizes the map shapes the YAML and TOML decoders produce.
// yaml.v3 yields map[any]any when keys are not all strings (stage numbers).
func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = normalize(val)
		}
		return out, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out, true
	default:
		return nil, false
	}
}

// normalize rewrites nested values so they encode as JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any, map[any]any:
		m, _ := toStringMap(t)
		return m
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
