/*
 * Copyright (c) 2024, VPN Access. All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package service

import (
	"encoding/json"
	"fmt"
	"io"
	go_log "log"
	"os"
	"time"

	rotate "github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/sirupsen/logrus"
	"github.com/vpn-access/vpn-access-core/access/common"
	"github.com/vpn-access/vpn-access-core/access/common/errors"
	"github.com/vpn-access/vpn-access-core/access/common/stacktrace"
)

// TraceLogger adds single frame trace context to the underlying logging
// package.
type TraceLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the underlying logging
// package.
type LogFields logrus.Fields

// WithTrace adds a "trace" field containing the caller's function name and
// source file line number. Use this function when the log has no fields.
func (logger *TraceLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function name
// and source file line number. Use this function when the log has fields.
// Note that any existing "trace" field will be renamed to "fields.trace".
func (logger *TraceLogger) WithTraceFields(fields LogFields) *logrus.Entry {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrus.Fields(fields))
}

// commonLogger wraps a TraceLogger with an interface that conforms to
// common.Logger. This is used to pass the TraceLogger to common packages
// without referencing the service package.
type commonLogger struct {
	traceLogger *TraceLogger
}

// CommonLogger returns a common.Logger backed by the given TraceLogger.
func CommonLogger(traceLogger *TraceLogger) common.Logger {
	return &commonLogger{
		traceLogger: traceLogger,
	}
}

func (logger *commonLogger) WithTrace() common.LogTrace {
	return logger.traceLogger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

func (logger *commonLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return logger.traceLogger.WithTraceFields(LogFields(fields))
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter. The
// changes are:
// - "time" is renamed to "timestamp"
// - errors are rendered with Error(), as encoding/json ignores them
type CustomJSONFormatter struct {
}

// Format implements logrus.Formatter.
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}
	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if m, ok := data["msg"]; ok {
		data["fields.msg"] = m
	}
	data["msg"] = entry.Message

	if l, ok := data["level"]; ok {
		data["fields.level"] = l
	}
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON, %v", err)
	}

	return append(serialized, '\n'), nil
}

var log *TraceLogger

// InitLogging configures a logger according to the specified config params.
// If not called, the default logger set by the package init() is used.
// Concurrency note: should only be called from the main goroutine.
func InitLogging(config *Config) error {

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return errors.Trace(err)
	}

	var logWriter io.Writer = os.Stderr

	if config.LogFilename != "" {

		// The writer tolerates log rotation: when the open file is
		// moved or deleted by logrotate, it is reopened.
		logWriter, err = rotate.NewRotatableFileWriter(
			config.LogFilename, 1, true, 0600)
		if err != nil {
			return errors.Trace(err)
		}
	}

	log = &TraceLogger{
		&logrus.Logger{
			Out:       logWriter,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}

	return nil
}

func init() {

	// Suppress standard "log" package logging performed by other packages.
	go_log.SetOutput(io.Discard)

	log = &TraceLogger{
		&logrus.Logger{
			Out:       os.Stderr,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.DebugLevel,
		},
	}
}
