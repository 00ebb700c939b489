// Package log is the structured logging facade used across flobuf.
//
// Components receive a Logger by injection and tag it with their name:
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	)
//	l = l.With(log.Component("datalist"), log.Str("identity", "sensor-7"))
//	l.Info("block allocated", log.Uint64("block", 3))
//
// Entries flow through a log/slog handler into a Formatter (JSON or text)
// and one or more Outputs. ApplyConfig builds a logger from a declarative
// Config, including key redaction and message sampling. RedirectStdLog
// sends the standard library logger, and libraries using it, through the
// same pipeline.
package log
