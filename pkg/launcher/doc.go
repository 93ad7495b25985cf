// Package launcher implements the pre-fork supervisor: it binds one listening
// socket, spawns a fixed number of worker processes that all accept on it,
// and keeps that number alive until shutdown.
//
// # Quick Start
//
//	cfg, err := config.Load(config.New())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sup, err := launcher.Start(ctx, cfg)
//	if err != nil {
//	    fmt.Fprintln(os.Stderr, err)
//	    os.Exit(launcher.ExitCode(err))
//	}
//	err = sup.Run(ctx) // returns after ctx is cancelled and workers drained
//
// Workers are the same binary re-executed with the "worker" argument (see
// WithWorkerCommand). They inherit the listener on fd 3, the access log on
// fd 4 and a status pipe on fd 5; stdout and stderr go to the error log.
//
// # Process Lifecycle
//
// Each slot worker-<i> holds at most one WorkerHandle that is not gone:
//
//	starting ──ready byte──▶ ready ──exit──▶ dead ──reap──▶ gone
//	    │                      │
//	    └──────stop────────────┴──▶ terminating ──exit──▶ gone
//
// Slots are driven by a procmgr.ProcessManager. A dead worker is replaced
// as soon as the run loop sees its exit; a ready worker whose heartbeat is
// older than Timeout is killed and replaced. A replacement is spawned only
// after the previous process has been reaped, so live workers never exceed
// the configured count.
//
// # Error Handling and Recovery
//
// Fatal start errors are *LaunchError values with a Code and a Suggestion;
// ExitCode maps them to process exit statuses. Workers that fail to boot,
// or crash within restart.min_uptime of starting, are retried with
// exponential backoff and parked after restart.max_attempts consecutive
// failures. A parked slot stays empty until Reload.
//
// # Shutdown
//
// Shutdown closes the supervisor's listener, sends SIGTERM to every worker,
// waits up to GracefulTimeout and then SIGKILLs stragglers. Halt sends
// SIGQUIT and kills after one second. Reload replaces workers one slot at a
// time.
//
// # Metrics and Observability
//
// With metrics_bind set, /metrics exposes slot and worker series under the
// prefork namespace. With control_bind set, a gRPC health service reports
// "prefork" and "prefork.worker-<i>". Lifecycle events go to the publisher
// configured by events_url.
package launcher
