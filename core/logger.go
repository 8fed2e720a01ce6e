package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// NexusLogger is the production Logger implementation used throughout the
// engine. It supports both JSON and human-readable output and implements
// ComponentAwareLogger so each package can tag its log lines with a stable
// component name (see the naming convention documented on
// ComponentAwareLogger in interfaces.go).
type NexusLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
}

// NewNexusLogger creates a root logger. format is "json" or "text"; level is
// one of debug/info/warn/error; output is "stdout" or "stderr".
func NewNexusLogger(level, format, output string, debug bool, serviceName string) Logger {
	var w io.Writer = os.Stdout
	if output == "stderr" {
		w = os.Stderr
	}

	return &NexusLogger{
		level:       strings.ToLower(level),
		debug:       debug || strings.ToLower(level) == "debug",
		serviceName: serviceName,
		component:   "nexus",
		format:      format,
		output:      w,
	}
}

// WithComponent returns a child logger tagged with the given component,
// preserving the parent's level/format/output/service name.
func (n *NexusLogger) WithComponent(component string) Logger {
	return &NexusLogger{
		level:       n.level,
		debug:       n.debug,
		serviceName: n.serviceName,
		component:   component,
		format:      n.format,
		output:      n.output,
	}
}

func (n *NexusLogger) Info(msg string, fields map[string]interface{}) {
	n.logEvent("INFO", msg, fields)
}

func (n *NexusLogger) Error(msg string, fields map[string]interface{}) {
	n.logEvent("ERROR", msg, fields)
}

func (n *NexusLogger) Warn(msg string, fields map[string]interface{}) {
	n.logEvent("WARN", msg, fields)
}

func (n *NexusLogger) Debug(msg string, fields map[string]interface{}) {
	if n.debug {
		n.logEvent("DEBUG", msg, fields)
	}
}

func (n *NexusLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	n.logEvent("INFO", msg, fields)
}

func (n *NexusLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	n.logEvent("ERROR", msg, fields)
}

func (n *NexusLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	n.logEvent("WARN", msg, fields)
}

func (n *NexusLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if n.debug {
		n.logEvent("DEBUG", msg, fields)
	}
}

func (n *NexusLogger) logEvent(level, msg string, fields map[string]interface{}) {
	timestamp := time.Now().Format(time.RFC3339)

	if n.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   n.serviceName,
			"component": n.component,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(n.output, string(data))
		}
	} else {
		var b strings.Builder
		if len(fields) > 0 {
			b.WriteString(" ")
			for k, v := range fields {
				fmt.Fprintf(&b, "%s=%v ", k, v)
			}
		}
		fmt.Fprintf(n.output, "%s [%s] [%s/%s] %s%s\n",
			timestamp, level, n.serviceName, n.component, msg, b.String())
	}
}
