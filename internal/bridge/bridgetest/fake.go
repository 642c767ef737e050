// Package bridgetest turns a test binary into a scripted fake simulation so
// bridge, pool and trainer tests can exercise real subprocess I/O.
//
// Packages using it call RunIfRequested from TestMain:
//
//	func TestMain(m *testing.M) {
//		bridgetest.RunIfRequested()
//		os.Exit(m.Run())
//	}
package bridgetest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/k0der/SpaceInvaders/internal/bridge"
)

const (
	envMode       = "DOGFIGHT_FAKE_SIM"
	envEpisodeLen = "DOGFIGHT_FAKE_EPISODE_LEN"
	envWinners    = "DOGFIGHT_FAKE_WINNERS"
	envClaim      = "DOGFIGHT_FAKE_CLAIM"
	envClaimMode  = "DOGFIGHT_FAKE_CLAIM_MODE"
	envDelay      = "DOGFIGHT_FAKE_DELAY"
)

// Scripted behaviors.
const (
	Healthy       = "healthy"
	ErrorOnStep   = "error-step"
	ErrorOnReset  = "error-reset"
	MalformedStep = "malformed-step"
	ShortObs      = "short-obs"
)

// NoWinner in Options.Winners ends an episode without a winner field.
const NoWinner = "-"

// DieAfter makes the fake exit, without answering, once it has sent n replies.
func DieAfter(n int) string {
	return fmt.Sprintf("die-after=%d", n)
}

// Options script the fake simulation.
type Options struct {
	Mode       string
	EpisodeLen int      // steps per episode, default 5
	Winners    []string // winner tag per finished episode, cycled; default "agent"

	// Claim names a file. The first worker process to create it runs
	// ClaimMode instead of Mode, so one slot of a pool can misbehave.
	Claim     string
	ClaimMode string

	// Delay holds every reset and step reply. The fake writes
	// "<command> received" to stderr before waiting.
	Delay time.Duration
}

// Config returns a bridge.Config that re-executes the running test binary
// as a fake simulation.
func Config(opts Options) bridge.Config {
	if opts.Mode == "" {
		opts.Mode = Healthy
	}
	env := []string{envMode + "=" + opts.Mode}
	if opts.EpisodeLen > 0 {
		env = append(env, envEpisodeLen+"="+strconv.Itoa(opts.EpisodeLen))
	}
	if len(opts.Winners) > 0 {
		env = append(env, envWinners+"="+strings.Join(opts.Winners, ","))
	}
	if opts.Claim != "" {
		env = append(env, envClaim+"="+opts.Claim, envClaimMode+"="+opts.ClaimMode)
	}
	if opts.Delay > 0 {
		env = append(env, envDelay+"="+opts.Delay.String())
	}
	return bridge.Config{
		Executable:   os.Args[0],
		Env:          env,
		ReplyTimeout: 10 * time.Second,
		KillGrace:    200 * time.Millisecond,
	}
}

// RunIfRequested serves the fake protocol on stdin/stdout and exits when the
// process was launched through Config. Otherwise it returns immediately.
func RunIfRequested() {
	mode := os.Getenv(envMode)
	if mode == "" {
		return
	}
	opts := Options{Mode: mode, EpisodeLen: 5, Winners: []string{"agent"}}
	if v, err := strconv.Atoi(os.Getenv(envEpisodeLen)); err == nil && v > 0 {
		opts.EpisodeLen = v
	}
	if v := os.Getenv(envWinners); v != "" {
		opts.Winners = strings.Split(v, ",")
	}
	if claim := os.Getenv(envClaim); claim != "" {
		//nolint:gosec // path comes from the test
		if f, err := os.OpenFile(claim, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644); err == nil {
			_ = f.Close()
			opts.Mode = os.Getenv(envClaimMode)
		}
	}
	if d, err := time.ParseDuration(os.Getenv(envDelay)); err == nil {
		opts.Delay = d
	}
	os.Exit(Serve(os.Stdin, os.Stdout, opts))
}

// Serve runs the fake protocol loop and returns the process exit code.
func Serve(in io.Reader, out io.Writer, opts Options) int {
	dieAfter := -1
	if strings.HasPrefix(opts.Mode, "die-after=") {
		n, err := strconv.Atoi(strings.TrimPrefix(opts.Mode, "die-after="))
		if err == nil {
			dieAfter = n
		}
	}

	w := bufio.NewWriter(out)
	reply := func(v any) {
		data, _ := json.Marshal(v)
		_, _ = w.Write(append(data, '\n'))
		_ = w.Flush()
	}

	var (
		replies  int
		step     int
		episodes int
	)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if dieAfter >= 0 && replies >= dieAfter {
			return 3
		}
		var req map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			reply(map[string]any{"error": "bad request"})
			replies++
			continue
		}

		if cmd := req["command"]; opts.Delay > 0 && (cmd == "reset" || cmd == "step") {
			fmt.Fprintf(os.Stderr, "%v received\n", cmd)
			time.Sleep(opts.Delay)
		}

		switch req["command"] {
		case "reset":
			step = 0
			switch opts.Mode {
			case ErrorOnReset:
				reply(map[string]any{"error": "bad config"})
			case ShortObs:
				reply(map[string]any{"observation": []float64{0, 1}})
			default:
				reply(map[string]any{"observation": observation(0)})
			}
		case "step":
			switch opts.Mode {
			case ErrorOnStep:
				reply(map[string]any{"error": "boom"})
				replies++
				continue
			case MalformedStep:
				_, _ = w.WriteString("this is not json\n")
				_ = w.Flush()
				replies++
				continue
			}
			step++
			done := step >= opts.EpisodeLen
			info := map[string]any{}
			if done {
				winner := opts.Winners[episodes%len(opts.Winners)]
				episodes++
				if winner != NoWinner {
					info["winner"] = winner
					info["rewardBreakdown"] = map[string]any{"hits": 1.0, "survival": 0.5}
					if winner != "agent" && winner != "timeout" && winner != "draw_mutual" {
						info["agentDeathCause"] = "asteroid"
					}
				}
			}
			reply(map[string]any{
				"observation": observation(step),
				"reward":      0.25,
				"done":        done,
				"info":        info,
			})
		case "close":
			reply(map[string]any{})
			return 0
		default:
			reply(map[string]any{"error": "unknown command"})
		}
		replies++
	}
	return 0
}

func observation(step int) []float64 {
	obs := make([]float64, bridge.ObservationSize)
	obs[0] = float64(step) / 10
	return obs
}
