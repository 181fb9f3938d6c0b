// Package main implements the shardlord coordinator process: the single
// binary that accepts administrative commands against a sharded
// Postgres cluster and drives them to completion via the parallel task
// executor and copy-partition state machine (spec.md §1, §2).
//
// The shardlord is the only Go binary this core ships. Workers are
// plain Postgres instances reached over internal/sqlclient, not a
// process of our own (unlike the teacher's separate node binary).
//
// Configuration:
//   - SHARDLORD_SHARDLORD: this process plays the coordinator role
//   - SHARDLORD_SHARDLORD_DBNAME: database the in-process client uses
//   - SHARDLORD_CMD_RETRY_NAPTIME_MS, SHARDLORD_POLL_INTERVAL_MS
//   - SHARDLORD_SYNC_REPLICAS
//
// See internal/config for the full set and their defaults.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/funbringer/pg-shardman/internal/catalog"
	"github.com/funbringer/pg-shardman/internal/clock"
	"github.com/funbringer/pg-shardman/internal/command"
	"github.com/funbringer/pg-shardman/internal/config"
	"github.com/funbringer/pg-shardman/internal/reactor"
	"github.com/funbringer/pg-shardman/internal/signals"
	"github.com/funbringer/pg-shardman/internal/task"
)

// main loads configuration, wires logging and signal handling, and runs
// the executor loop until shutdown (SIGTERM) or cancellation (SIGUSR1),
// per spec.md §5 and §6.4.
//
// Exit codes:
//   - 0: normal shutdown via signal
//   - 1: fatal error during startup (spec.md §7,
//     "Coordinator-internal failure": process exits and is restarted by
//     its supervisor)
func main() {
	log := newLogger()

	v := config.New()
	cfg, err := config.Load(v)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if !cfg.Shardlord {
		log.Info("shardlord role disabled (SHARDLORD_SHARDLORD=false); nothing to run")
		return
	}

	sig := signals.NewFlags()
	stopWatch := sig.Watch()
	defer stopWatch()

	r, err := reactor.New(clock.Real{}, sig)
	if err != nil {
		log.WithError(err).Fatal("failed to create readiness multiplexer")
	}
	defer r.Close()

	store := catalog.NewMemStore()
	exec := task.NewExecutor(r, clock.Real{}, sig, log.WithField("component", "executor"))

	// The command-queue front-end (persistent log, NOTIFY-driven
	// dispatch) is an external collaborator (spec.md §1): it is the thing
	// that reads Commands off that queue, calls decomposer.Decompose, and
	// feeds the resulting tasks to exec.Add. Nothing in this repo plays
	// that role yet, so decomposer sits built and configured but idle
	// until that front-end exists; this process's job in the meantime is
	// to stay up and ready, not to manufacture work for itself.
	decomposer := &command.Decomposer{
		Store:         store,
		SyncReplicas:  cfg.SyncReplicas,
		ShardlordConn: cfg.ShardlordConnString,
		RetryNaptime:  cfg.CmdRetryNaptime,
		PollInterval:  cfg.PollInterval,
		Clock:         clock.Real{},
		Log:           log.WithField("component", "command"),
	}
	log.WithFields(logrus.Fields{
		"sync_replicas": decomposer.SyncReplicas,
	}).Debug("command decomposer configured; awaiting external command-queue front-end")

	// Support SIGHUP-driven reload of the subset of knobs spec.md §6.1
	// marks reloadable, without restarting the process.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			log.Info("reloading configuration")
			config.ApplyReload(&cfg, v)
		}
	}()

	log.WithFields(logrus.Fields{
		"dbname":        cfg.ShardlordDBName,
		"retry_naptime": cfg.CmdRetryNaptime,
		"poll_interval": cfg.PollInterval,
	}).Info("shardlord executor starting")

	// Run the executor in the background and block main on the
	// termination signal instead, mirroring the teacher's coordinator
	// (start the server in a goroutine, then wait on <-stop): exec.Run's
	// loop condition is "unfinished > 0 && !sig.Pending()", so with no
	// tasks ever admitted it returns almost immediately, and this process
	// must stay up for its supervisor regardless of whether any task
	// happens to be in flight at a given moment.
	runErr := make(chan error, 1)
	go func() {
		runErr <- exec.Run(context.Background())
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-stop:
		log.Info("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			log.WithError(err).Error("executor loop exited with error")
		} else {
			<-stop
			log.Info("shutdown signal received")
		}
	}

	log.Info("shardlord executor stopped")
}

// newLogger builds the structured logger used process-wide: JSON to
// stdout, plus a syslog hook when the environment designates one,
// matching Thorsieger-replication-manager's logrus-based setup.
func newLogger() *logrus.Entry {
	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetOutput(os.Stdout)

	if addr := os.Getenv("SHARDLORD_SYSLOG_ADDR"); addr != "" {
		hook, err := logrus_syslog.NewSyslogHook("udp", addr, syslogPriority, "shardlord")
		if err != nil {
			base.WithError(err).Warn("failed to attach syslog hook, continuing with stdout only")
		} else {
			base.AddHook(hook)
		}
	}

	return logrus.NewEntry(base).WithField("pid", os.Getpid())
}

// syslogPriority mirrors syslog.LOG_INFO without importing "log/syslog"
// solely for one constant; logrus_syslog.NewSyslogHook takes a
// syslog.Priority, which is just an int under the hood.
const syslogPriority = 6
