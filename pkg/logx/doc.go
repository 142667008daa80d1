// Package logx is the zerolog-backed logger shared by every txrelay
// component. Loggers are values; With returns a child carrying extra fields.
// A Service owns the sinks (console and JSON file) and swaps them on
// config reload through Apply.
package logx
