package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/admin"
	"github.com/KASPACOM/ai-agent-sub001/go/config"
	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/scheduler"
	log "github.com/sirupsen/logrus"
)

// shutdownTimeout bounds graceful drain of runs and requests on exit.
const shutdownTimeout = 30 * time.Second

type cmdServe struct {
	config.Config
}

func (cmd *cmdServe) Execute(_ []string) error {
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

	var sched *scheduler.Scheduler
	if cmd.ETL.Enabled && cmd.Service.Type == "etl" {
		sched = scheduler.New(p.registry, p.health, scheduler.Config{
			Specs: map[message.Source]string{
				message.SourceMicroblog: "@every " + cmd.ETL.Interval().String(),
			},
		}, p.indexers...)
		if err = sched.Start(); err != nil {
			return err
		}
	} else {
		log.Info("scheduled indexing disabled, serving admin API only")
	}

	var server = admin.NewServer(cmd.Service.AdminPort, p.health, p.registry, p.states, sched)
	var serveErr = make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	select {
	case err = <-serveErr:
		return fmt.Errorf("admin server exited: %w", err)
	case <-ctx.Done():
	}
	log.Info("signaled to exit, draining")

	var stopCtx, stopCancel = context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if sched != nil {
		if err := sched.Stop(stopCtx); err != nil {
			log.WithError(err).Warn("stopping scheduler")
		}
	}
	if err := server.Shutdown(stopCtx); err != nil {
		log.WithError(err).Warn("stopping admin server")
	}
	return nil
}
