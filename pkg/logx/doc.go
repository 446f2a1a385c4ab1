// Package logx is relaybot's logging layer over zerolog.
//
// Logger is a value type: derive component loggers with With and mirror a
// job's narrative into a bounded Feed with Tee. Service owns the sinks
// (console, JSON file) and swaps them on config reload.
package logx
