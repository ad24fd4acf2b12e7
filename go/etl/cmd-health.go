package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/KASPACOM/ai-agent-sub001/go/config"
	"github.com/fatih/color"
)

type cmdHealth struct {
	config.Config
}

func (cmd *cmdHealth) Execute(_ []string) error {
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

	var report = p.health.Check(ctx)
	printProbe("vector store", report.VectorStoreOK, report.VectorStore)
	printProbe("embedding", report.EmbeddingOK, report.Embedding)

	if !report.OK() {
		return fmt.Errorf("one or more dependencies are unhealthy")
	}
	return nil
}

func printProbe(name string, ok bool, detail string) {
	if ok {
		fmt.Printf("%-14s %s\n", name, color.GreenString("ok"))
		return
	}
	fmt.Printf("%-14s %s\n", name, color.RedString(detail))
}
