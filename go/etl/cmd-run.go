package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KASPACOM/ai-agent-sub001/go/config"
	"github.com/KASPACOM/ai-agent-sub001/go/indexer"
	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/fatih/color"
)

type cmdRun struct {
	config.Config
	Args struct {
		Source string `positional-arg-name:"source" description:"Source to index: microblog, groupchat, or all" default:"all"`
	} `positional-args:"yes"`
}

func (cmd *cmdRun) Execute(_ []string) error {
	if err := cmd.Service.InitLog(); err != nil {
		return err
	}
	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var p, err = buildPipeline(ctx, cmd.Config)
	if err != nil {
		return err
	}
	defer p.Close()

	var targets []*indexer.Indexer
	switch cmd.Args.Source {
	case "", "all":
		targets = p.indexers
	default:
		var source = message.Source(cmd.Args.Source)
		if err := source.Validate(); err != nil {
			return err
		}
		if ix := p.indexerFor(source); ix != nil {
			targets = append(targets, ix)
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("no configured source matches %q", cmd.Args.Source)
	}

	var failed bool
	for _, ix := range targets {
		var report = ix.Run(ctx)
		p.registry.Record(report)
		printReport(report)
		failed = failed || !report.Success
	}
	if failed {
		return fmt.Errorf("one or more indexing runs failed")
	}
	return nil
}

func printReport(report message.RunReport) {
	var heading = color.New(color.Bold)
	var outcome = color.GreenString("success")
	if !report.Success {
		outcome = color.RedString("failed: %s", report.FatalError)
	}
	heading.Printf("%s run %s: %s\n", report.Source, report.RunID, outcome)
	fmt.Printf("  processed %d, embedded %d, stored %d, errors %d\n",
		report.Processed, report.Embedded, report.Stored, report.Errors)
	fmt.Printf("  requests used %d, elapsed %s\n", report.RequestsUsed, report.ProcessingTime)
	if report.RateLimited {
		fmt.Printf("  %s\n", color.YellowString("rate limited by the source platform"))
	}
	for _, acct := range report.Accounts {
		var note = ""
		if acct.FailureReason != "" {
			note = " " + color.RedString(acct.FailureReason)
		}
		fmt.Printf("    %-24s stored %-5d requests %-3d%s\n", acct.Handle, acct.Stored, acct.RequestsUsed, note)
	}
	_ = os.Stdout.Sync()
}
