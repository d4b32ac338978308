// Package log provides structured protocol logging for the MASH event system.
//
// Protocol logging is separate from operational logging (slog). It records
// a machine-readable trace of what crossed each layer: raw frames at the
// transport, decoded RPC and event messages, control commands executed by
// the transport loop, and channel/subscription state changes made by the
// keep-alive monitor.
//
//	// Console output while developing
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// CBOR trace file, plus console
//	fl, _ := log.NewFileLogger("/var/log/mash/consumer.mlog")
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
package log
