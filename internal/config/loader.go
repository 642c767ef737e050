package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// whitelistSet is a precomputed lookup table for whitelist membership checks.
var whitelistSet map[string]bool

func init() {
	whitelistSet = make(map[string]bool, len(WhitelistedVars))
	for _, v := range WhitelistedVars {
		whitelistSet[v] = true
	}
}

// LoadFile parses a KEY=VALUE settings file at the given path.
//
// Lines are processed according to these rules:
//   - Empty lines and lines starting with # are skipped.
//   - Lines without an = sign are skipped.
//   - Leading and trailing whitespace is trimmed from both key and value.
//   - Keys not present in WhitelistedVars are silently ignored.
func LoadFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open settings file: %w", err)
	}
	defer f.Close()

	result := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if !whitelistSet[key] {
			continue
		}
		result[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	return result, nil
}

// LoadWithPrecedence assembles a Config by merging sources in order of
// increasing priority:
//
//  1. Built-in defaults
//  2. Global settings file (globalPath)
//  3. Project settings file (projectPath)
//  4. Explicit settings file (explicitPath)
//  5. CLI overrides
//
// Empty paths are skipped. Missing global and project files are not errors;
// a missing explicit file is.
func LoadWithPrecedence(globalPath, projectPath, explicitPath string, cliOverrides map[string]string) (*Config, error) {
	cfg := NewDefaultConfig()

	for _, layer := range []struct {
		name     string
		path     string
		optional bool
	}{
		{"global settings", globalPath, true},
		{"project settings", projectPath, true},
		{"explicit settings", explicitPath, false},
	} {
		if layer.path == "" {
			continue
		}
		m, err := LoadFile(layer.path)
		if err != nil {
			if layer.optional && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%s: %w", layer.name, err)
		}
		ApplyMapToConfig(cfg, m)
	}

	if len(cliOverrides) > 0 {
		ApplyMapToConfig(cfg, cliOverrides)
	}
	return cfg, nil
}

// ApplyMapToConfig sets fields on cfg from the key-value pairs in m.
// Unknown keys are ignored. Numeric values that fail to parse are ignored
// and the previous value is preserved.
func ApplyMapToConfig(cfg *Config, m map[string]string) {
	for key, value := range m {
		switch key {
		case "STAGE":
			setInt(&cfg.Stage, value)
		case "MAX_STAGE":
			setInt(&cfg.MaxStage, value)
		case "TIMESTEPS":
			setInt(&cfg.Timesteps, value)
		case "EPISODES":
			setInt(&cfg.Episodes, value)
		case "CHECKPOINT":
			cfg.Checkpoint = value
		case "NUM_ENVS":
			setInt(&cfg.NumEnvs, value)
		case "CURRICULUM":
			cfg.Curriculum = value
		case "AUTO_PROMOTE":
			cfg.AutoPromote = parseBool(value)
		case "EARLY_STOP":
			cfg.EarlyStop = parseBool(value)
		case "CONTINUE_ALL_STAGES":
			cfg.ContinueAllStages = parseBool(value)
		case "MIN_EPISODES_BEFORE_PROMOTE":
			setInt(&cfg.MinEpisodes, value)
		case "WINDOW_SIZE":
			setInt(&cfg.WindowSize, value)
		case "PROGRESS_PRINT_SECONDS":
			setFloat(&cfg.ProgressPrintSeconds, value)
		case "CONFIG_POLL_SECONDS":
			setFloat(&cfg.ConfigPollSeconds, value)
		case "BEST_CHECK_EVERY":
			setInt(&cfg.BestCheckEvery, value)
		case "BEST_MIN_EPISODES":
			setInt(&cfg.BestMinEpisodes, value)
		case "NODE":
			cfg.Node = value
		case "SIMULATE":
			cfg.Simulate = value
		case "REPLY_TIMEOUT":
			setInt(&cfg.ReplyTimeout, value)
		case "SEED":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.Seed = v
			}
		case "CHECKPOINT_DIR":
			cfg.CheckpointDir = value
		case "LOG_DIR":
			cfg.LogDir = value
		case "STATE_DIR":
			cfg.StateDir = value
		case "EXPORT_COMMAND":
			cfg.ExportCommand = value
		case "SNAPSHOT_PATH":
			cfg.SnapshotPath = value
		case "NOTIFY_COMMAND":
			cfg.NotifyCommand = value
		case "WATCH":
			cfg.Watch = parseBool(value)
		case "VERBOSE":
			cfg.Verbose = parseBool(value)
		}
	}
}

func setInt(dst *int, s string) {
	if v, err := strconv.Atoi(s); err == nil {
		*dst = v
	}
}

func setFloat(dst *float64, s string) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		*dst = v
	}
}

// parseBool interprets common boolean representations.
// "true", "1", "yes" (case-insensitive) return true; everything else returns false.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
