// Package logging provides file-based logging with rotation for External Brain.
// Every cmd/brain command sets it up with DefaultConfig: info level, JSON lines
// written to ~/.brain/logs/server.log and also copied to stderr.
//
// DebugConfig lowers the level to debug; no command-line flag selects it.
package logging
