package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atmx/contagion-engine/internal/command"
	"github.com/atmx/contagion-engine/internal/config"
	"github.com/atmx/contagion-engine/internal/model"
	"github.com/atmx/contagion-engine/internal/simulation"
)

// scheduled is a command applied before a given step runs.
type scheduled struct {
	before int
	cmd    *command.Command
}

// parseSchedule reads "STEP:COMMAND [BANK [AMOUNT]]" entries. The result is
// ordered by step; entries for the same step keep their order.
func parseSchedule(entries []string) ([]scheduled, error) {
	out := make([]scheduled, 0, len(entries))
	for _, e := range entries {
		at, text, ok := strings.Cut(e, ":")
		if !ok {
			return nil, fmt.Errorf("control %q: expected STEP:COMMAND", e)
		}
		step, err := strconv.Atoi(strings.TrimSpace(at))
		if err != nil || step < 1 {
			return nil, fmt.Errorf("control %q: step must be a positive integer", e)
		}
		cmd, err := command.ParseText(text)
		if err != nil {
			return nil, fmt.Errorf("control %q: %w", e, err)
		}
		out = append(out, scheduled{before: step, cmd: cmd})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].before < out[j].before })
	return out, nil
}

// RunOutput is the --json document.
type RunOutput struct {
	Run       model.Run     `json:"run"`
	Metrics   model.Metrics `json:"metrics"`
	Surviving []int         `json:"surviving_banks"`
	Events    []model.Event `json:"events,omitempty"`
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario to completion",
		Long: `Run a scenario to completion and print a summary.

Commands can be scheduled between steps with --control, e.g.
  --control "10:pause" --control "10:add_capital 3 500" --control "10:resume"
applies all three before step 10 runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("scenario")
			seed, _ := cmd.Flags().GetInt64("seed")
			steps, _ := cmd.Flags().GetInt("steps")
			policyName, _ := cmd.Flags().GetString("policy")
			controls, _ := cmd.Flags().GetStringArray("control")
			withEvents, _ := cmd.Flags().GetBool("events")
			jsonOut, _ := cmd.Flags().GetBool("json")
			level, _ := cmd.Flags().GetString("log-level")

			logger, err := newLogger(cmd.ErrOrStderr(), level)
			if err != nil {
				return err
			}
			sc, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := sc.Apply(config.Overrides{Seed: seed, Steps: steps, Policy: policyName}); err != nil {
				return err
			}
			schedule, err := parseSchedule(controls)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			o, err := simulation.New(sc.Name, sc.Simulation(), simulation.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := drive(ctx, o, schedule); err != nil {
				return err
			}

			st := o.Status()
			out := RunOutput{Run: o.Record(), Metrics: st.Metrics, Surviving: surviving(st.Banks)}
			if jsonOut {
				if withEvents {
					out.Events = o.Events(0)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			printSummary(cmd.OutOrStdout(), out, st)
			return nil
		},
	}
	cmd.Flags().String("scenario", "", "Scenario YAML file (required)")
	cmd.Flags().Int64("seed", 0, "Override the scenario seed")
	cmd.Flags().Int("steps", 0, "Override the number of steps")
	cmd.Flags().String("policy", "", "Override the policy: heuristic or game_theoretic")
	cmd.Flags().StringArray("control", nil, "Command to apply before a step, as STEP:COMMAND (repeatable)")
	cmd.Flags().Bool("events", false, "Include the full event log in --json output")
	cmd.MarkFlagRequired("scenario")
	return cmd
}

// drive steps o to the end, applying scheduled commands before their step.
func drive(ctx context.Context, o *simulation.Orchestrator, schedule []scheduled) error {
	next := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		status := o.Status()
		if status.Status == model.StatusCompleted || status.Status == model.StatusStopped {
			return nil
		}
		step := status.Step + 1
		for next < len(schedule) && schedule[next].before <= step {
			if err := o.Control(ctx, schedule[next].cmd); err != nil {
				return fmt.Errorf("control %s before step %d: %w", schedule[next].cmd.Name, step, err)
			}
			next++
		}
		if o.RunStatus() == model.StatusPaused {
			return fmt.Errorf("session left paused before step %d: schedule a resume", step)
		}
		if _, err := o.Step(ctx); err != nil {
			if errors.Is(err, simulation.ErrCompleted) {
				return nil
			}
			if errors.Is(err, simulation.ErrNotAllowed) {
				// A scheduled stop lands here.
				continue
			}
			return err
		}
	}
}

func surviving(banks []model.BankState) []int {
	out := []int{}
	for _, b := range banks {
		if !b.Defaulted && !b.Removed {
			out = append(out, b.ID)
		}
	}
	return out
}

func printSummary(w io.Writer, out RunOutput, st simulation.Snapshot) {
	fmt.Fprintf(w, "scenario %s  policy %s  seed %d\n", out.Run.Name, out.Run.Policy, out.Run.Seed)
	fmt.Fprintf(w, "status %s after %d/%d steps\n", out.Run.Status, out.Run.Step, out.Run.TotalSteps)
	fmt.Fprintf(w, "defaults %d  surviving %d/%d  max cascade depth %d\n",
		out.Run.DefaultsTotal, len(out.Surviving), out.Run.Banks, out.Metrics.MaxCascade)
	fmt.Fprintf(w, "total equity %s  interbank exposure %s\n\n",
		out.Metrics.TotalEquity.StringFixed(2), out.Metrics.TotalInterbank.StringFixed(2))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "bank\tequity\tcash\tloans\tborrowed\tleverage\tliquidity\tstate\t")
	for _, b := range st.Banks {
		state := "active"
		switch {
		case b.Removed:
			state = "removed"
		case b.Defaulted:
			state = fmt.Sprintf("default@%d", b.DefaultedAt)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%.2f\t%.3f\t%s\t\n",
			b.ID, b.Equity.StringFixed(2), b.Cash.StringFixed(2), b.LoansGiven.StringFixed(2),
			b.Borrowed.StringFixed(2), b.Leverage, b.LiquidityRatio, state)
	}
	tw.Flush()
}
