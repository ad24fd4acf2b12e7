package main

import (
	"fmt"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/scheduler"
	"github.com/fatih/color"
)

type cmdScheduler struct {
	adminFlags
	Args struct {
		Action string `positional-arg-name:"action" description:"status (default) or reset" default:"status"`
	} `positional-args:"yes"`
}

func (cmd *cmdScheduler) Execute(_ []string) error {
	var status scheduler.Status
	switch cmd.Args.Action {
	case "", "status":
		if err := cmd.get("/scheduler/status", &status); err != nil {
			return err
		}
	case "reset":
		if err := cmd.post("/scheduler/reset", &status); err != nil {
			return err
		}
		fmt.Println("scheduler reset")
	default:
		return fmt.Errorf("unknown scheduler action %q", cmd.Args.Action)
	}

	if !status.Running {
		fmt.Println(color.YellowString("scheduler is not running"))
		return nil
	}
	fmt.Printf("scheduler running since %s\n", status.StartedAt.Format(time.RFC3339))
	for _, job := range status.Jobs {
		color.New(color.Bold).Printf("%s (%s)\n", job.Source, job.Spec)
		if job.Running {
			fmt.Printf("  %s\n", color.GreenString("run in flight"))
		}
		fmt.Printf("  next run %s\n", job.NextRun.Format(time.RFC3339))
		if !job.PrevRun.IsZero() {
			fmt.Printf("  previous run %s\n", job.PrevRun.Format(time.RFC3339))
		}
		if job.LastRunID != "" {
			var outcome = color.GreenString("success")
			if !job.LastSuccess {
				outcome = color.RedString("failed")
			}
			fmt.Printf("  last run %s: %s\n", job.LastRunID, outcome)
		}
		if job.SkippedRuns > 0 {
			fmt.Printf("  skipped ticks %d\n", job.SkippedRuns)
		}
	}
	return nil
}
