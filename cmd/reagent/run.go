package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"reagent/internal/supervisor"
)

var (
	planOnly bool
	follow   bool
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Plan and execute an investigation for a goal",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	goal := strings.Join(args, " ")

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := cmd.Context()

	if planOnly {
		g, err := rt.planner.Plan(ctx, goal, nil)
		if err != nil {
			return err
		}
		snap := g.Snapshot()
		fmt.Printf("Plan for %q (%d subtasks):\n", goal, len(snap.Nodes))
		for _, n := range snap.Nodes {
			deps := ""
			if len(n.DependsOn) > 0 {
				deps = " <- " + strings.Join(n.DependsOn, ", ")
			}
			fmt.Printf("  [%s] %s: %s%s\n", n.Role, n.ID, n.Description, deps)
		}
		return nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	if follow {
		go followProgress(rt.supervisor, stop, done)
	} else {
		close(done)
	}

	res, runErr := rt.supervisor.Run(ctx, goal)
	close(stop)
	<-done

	printResult(res)
	return runErr
}

// followProgress prints progress events until stop closes, then drains
// whatever is still buffered.
func followProgress(sup *supervisor.Supervisor, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	print := func(p supervisor.Progress) {
		if p.NodeID != "" {
			fmt.Printf("[%s] %s %s\n", p.State, p.Event, p.NodeID)
		} else {
			fmt.Printf("[%s] %s\n", p.State, p.Event)
		}
	}
	for {
		select {
		case p := <-sup.Progress():
			print(p)
		case <-stop:
			for {
				select {
				case p := <-sup.Progress():
					print(p)
				default:
					return
				}
			}
		}
	}
}

func printResult(res *supervisor.Result) {
	if res == nil {
		return
	}
	fmt.Printf("\nThread:  %s\nStatus:  %s\n", res.ThreadID, res.State)
	for _, n := range res.Graph.Nodes {
		fmt.Printf("  %-20s %-10s %s\n", n.ID, n.Role, n.Status)
	}
	if len(res.Report) > 0 {
		var pretty map[string]any
		if json.Unmarshal(res.Report, &pretty) == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Printf("\nReport:\n%s\n", out)
		} else {
			fmt.Printf("\nReport:\n%s\n", res.Report)
		}
	}
}

func init() {
	runCmd.Flags().BoolVar(&planOnly, "plan-only", false, "print the plan without executing it")
	runCmd.Flags().BoolVar(&follow, "follow", false, "stream progress events")
	rootCmd.AddCommand(runCmd)
}
