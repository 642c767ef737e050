package cli

import (
	"github.com/spf13/cobra"
)

const helpTemplate = `dogfight-trainer - Curriculum training control plane for the dogfight simulation

USAGE
  dogfight-trainer [flags]
  dogfight-trainer dash [--stage N]

FLAGS
  Curriculum:
    --stage <int>                          Stage to start from (default: 1)
    --max-stage <int>                      Last stage for --auto-promote (default: highest defined)
    --curriculum <path>                    Curriculum file, .yaml or .toml (default: config.yaml)
    --checkpoint <path>                    Checkpoint to resume the policy from
    --auto-promote                         Advance through stages on promotion
    --early-stop                           End a stage as soon as promotion is reached
    --continue-all-stages                  Run later stages even when promotion is missed

  Budget:
    --timesteps <int>                      Step budget per stage (default: 200000)
    --episodes <int>                       Episode budget per stage (mutually exclusive with --timesteps)

  Promotion:
    --min-episodes-before-promote <int>    Episodes required before promotion (default: 200)
    --window-size <int>                    Rolling win-rate window (default: 200)
    --best-check-every <int>               Episodes between best-checkpoint checks (default: 50)
    --progress-print-seconds <sec>         Seconds between progress lines (default: 10)
    --config-poll-seconds <sec>            Seconds between curriculum reload checks (default: 30)
    --no-watch                             Disable curriculum hot reload

  Simulation:
    --num-envs <int>                       Parallel simulation workers (default: 4)
    --node <path>                          Simulation runtime executable (default: node)
    --simulate <path>                      Simulation script (default: simulate.js)
    --reply-timeout <sec>                  Seconds to wait for a worker reply, 0 = forever (default: 60)
    --seed <int>                           Policy random seed (default: 0)

  Paths:
    --checkpoint-dir <path>                Root for stage checkpoints (default: checkpoints)
    --log-dir <path>                       Telemetry and worker logs (default: logs)
    --state-dir <path>                     Session state and run registry (default: .dogfight/state)
    --snapshot-path <path>                 Self-play opponent snapshot output
    --settings <path>                      Path to additional settings file

  External Commands:
    --export-command <cmd>                 Snapshot exporter, run as <cmd> --checkpoint C --output O
    --notify-command <cmd>                 Command run with each notification message as last argument

  Session Management:
    --resume                               Resume from last interrupted session
    --resume-force                         Resume even if the curriculum changed (implies --resume)
    --clean                                Delete state directory and start fresh
    --status                               Show session status and exit
    --cancel                               Cancel active session and exit

  Help & Version:
    -v, --verbose                          Show debug output
    -h, --help                             Show this help text
    --version                              Show version, commit, build date

EXIT CODES
  0   Success              Curriculum finished or requested stages completed
  1   Error                Invalid arguments, unreadable curriculum, worker spawn failure
  2   NotPromoted          A stage missed promotion and the curriculum stopped
  3   StageNotFound        Requested stage is not in the curriculum
  130 Interrupted          SIGINT or SIGTERM received

EXAMPLES
  # Train stage 1 only
  dogfight-trainer --stage 1

  # Run the whole curriculum, ending each stage as soon as it promotes
  dogfight-trainer --auto-promote --early-stop

  # Resume an interrupted run
  dogfight-trainer --resume

  # Watch stage 3 live
  dogfight-trainer dash --stage 3
`

// SetCustomHelp configures the cobra command to use our custom help template.
func SetCustomHelp(cmd *cobra.Command) {
	cmd.SetHelpTemplate(helpTemplate)
}
