/*
Package log provides structured logging for Burrow using zerolog.

The log package wraps the zerolog library with a global logger, configurable
level and output format, and child-logger helpers that attach the fields the
rest of the codebase filters on: component, worker_id, and node.

Initialize once at process start:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Then take component loggers where sustained context helps:

	logger := log.WithComponent("node")
	logger.Info().Str("addr", addr).Msg("listening")

Per-worker code paths attach the worker identifier so one worker's lifecycle
can be traced across the node and the client:

	wl := log.WithWorkerID(id)
	wl.Debug().Int("bytes", n).Msg("stdout chunk")
*/
package log
