package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/stats"
	"github.com/fatih/color"
)

// adminFlags targets a serving process's admin API.
type adminFlags struct {
	Admin string `long:"admin" env:"ADMIN_URL" default:"http://localhost:8080" description:"Base URL of the serving process's admin API"`
}

func (f adminFlags) get(path string, out any) error {
	return f.do(http.MethodGet, path, out)
}

func (f adminFlags) post(path string, out any) error {
	return f.do(http.MethodPost, path, out)
}

func (f adminFlags) do(method, path string, out any) error {
	var client = &http.Client{Timeout: 60 * time.Second}
	var req, err = http.NewRequest(method, f.Admin+path, nil)
	if err != nil {
		return fmt.Errorf("building admin request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body, _ = io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("admin API returned %s: %s", resp.Status, string(body))
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding admin response: %w", err)
	}
	return nil
}

type cmdStats struct {
	adminFlags
	Args struct {
		Action string `positional-arg-name:"action" description:"show (default) or reset" default:"show"`
	} `positional-args:"yes"`
}

func (cmd *cmdStats) Execute(_ []string) error {
	if cmd.Args.Action == "reset" {
		if err := cmd.post("/stats/reset", nil); err != nil {
			return err
		}
		fmt.Println("statistics reset")
		return nil
	}

	var snapshot map[message.Source]stats.SourceStats
	if err := cmd.get("/stats", &snapshot); err != nil {
		return err
	}
	if len(snapshot) == 0 {
		fmt.Println("no runs recorded yet")
		return nil
	}
	for source, s := range snapshot {
		color.New(color.Bold).Printf("%s\n", source)
		fmt.Printf("  runs %d (failed %d, error rate %.0f%%)\n", s.Runs, s.FailedRuns, s.ErrorRate()*100)
		fmt.Printf("  processed %d, embedded %d, stored %d, item errors %d\n",
			s.Processed, s.Embedded, s.Stored, s.Errors)
		fmt.Printf("  requests used %d, rate limited runs %d\n", s.RequestsUsed, s.RateLimited)
		if !s.LastRunAt.IsZero() {
			fmt.Printf("  last run %s (%s)\n", s.LastRunAt.Format(time.RFC3339), s.LastRunID)
		}
		if s.LastError != "" {
			fmt.Printf("  last error %s\n", color.RedString(s.LastError))
		}
	}
	return nil
}
