package main

import (
	"fmt"
	"os"

	"github.com/KASPACOM/ai-agent-sub001/go/config"
	"github.com/jessevdk/go-flags"
)

func main() {
	config.LoadEnv()

	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "run", "Run one indexing pass and exit", `
Run a single indexing pass over the named source (or all configured sources)
and exit. The pass obeys the same budget, rotation and boundary rules as a
scheduled run.
`, &cmdRun{})

	addCmd(parser, "serve", "Serve the scheduler and admin API", `
Serve scheduled indexing runs and the admin HTTP API until signaled to exit
(via SIGTERM). Upon receiving a signal, in-flight runs are drained before the
process exits.
`, &cmdServe{})

	addCmd(parser, "health", "Probe pipeline dependencies", `
Probe the vector store and the embedding provider, and report their health.
Exits non-zero when any dependency is unhealthy.
`, &cmdHealth{})

	addCmd(parser, "stats", "Show or reset indexing statistics", `
Query the rolling per-source statistics of a serving process through its
admin API, or reset them.
`, &cmdStats{})

	addCmd(parser, "scheduler", "Inspect or reset the scheduler", `
Query the scheduler of a serving process through its admin API, or stop and
restart its cron entries.
`, &cmdScheduler{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	if err != nil {
		panic(fmt.Sprintf("failed to add flags parser command: %v", err))
	}
	return cmd
}
