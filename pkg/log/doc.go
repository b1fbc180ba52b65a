// Package log provides the scheduler's structured logging facade: a global
// zerolog.Logger configured once at startup and a set of child-logger
// constructors that attach the domain identifiers used throughout the
// codebase (handler_id, schedule_id, job_id) alongside the generic
// WithComponent helper.
//
// Init picks console or JSON output based on Config.JSONOutput: console
// output (zerolog.ConsoleWriter) is meant for local development, JSON for
// production log shipping. The level maps onto zerolog's global level, so
// every derived logger (including ones built before Init ran) honors it.
//
// Callers generally do not reach for the package-level Info/Debug/Warn/Error
// helpers outside of main and small scripts; most of the codebase builds a
// component logger once (log.WithComponent("dispatch")) and keeps using it,
// attaching identifiers as they become known:
//
//	l := log.WithComponent("dispatch").With().Str("schedule_id", sched.ID).Logger()
//	l.Info().Str("handler_id", sched.HandlerID).Msg("materialized job")
//
// or via the dedicated constructors when only one identifier is in scope:
//
//	jobLog := log.WithJobID(job.ID)
//	jobLog.Error().Err(err).Msg("attempt failed")
package log
