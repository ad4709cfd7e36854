// Package logger provides component-tagged logging for clawcord.
//
// Every subsystem logs through the same facade so output carries a stable
// "component" key (gateway, router, ratelimit, ...) that can be filtered
// downstream.
package logger

import (
	"os"

	charmlog "github.com/charmbracelet/log"
)

type Level = charmlog.Level

const (
	DEBUG = charmlog.DebugLevel
	INFO  = charmlog.InfoLevel
	WARN  = charmlog.WarnLevel
	ERROR = charmlog.ErrorLevel
)

var std = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
	ReportTimestamp: true,
})

// SetLevel sets the global log level.
func SetLevel(level Level) {
	std.SetLevel(level)
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(f *os.File) {
	std.SetOutput(f)
}

func DebugC(component, msg string) {
	std.Debug(msg, "component", component)
}

func DebugCF(component, msg string, fields map[string]any) {
	std.Debug(msg, kv(component, fields)...)
}

func InfoC(component, msg string) {
	std.Info(msg, "component", component)
}

func InfoCF(component, msg string, fields map[string]any) {
	std.Info(msg, kv(component, fields)...)
}

func WarnC(component, msg string) {
	std.Warn(msg, "component", component)
}

func WarnCF(component, msg string, fields map[string]any) {
	std.Warn(msg, kv(component, fields)...)
}

func ErrorC(component, msg string) {
	std.Error(msg, "component", component)
}

func ErrorCF(component, msg string, fields map[string]any) {
	std.Error(msg, kv(component, fields)...)
}

func kv(component string, fields map[string]any) []any {
	args := make([]any, 0, 2+2*len(fields))
	args = append(args, "component", component)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
