/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package log implements the structured logging facade used throughout the
// core. Every component holds a Logger value (never the global package) so
// tests can substitute an in-memory sink; underneath, Logger is a thin shim
// over go.uber.org/zap rather than a bespoke line formatter.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/vmta/coremta/framework/exterrors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is stateless and can be copied freely; the underlying zap core
// does the actual serialization and is safe for concurrent use by many
// Loggers.
type Logger struct {
	Name  string
	Debug bool

	// Additional fields added to every message logged through this Logger.
	Fields map[string]interface{}
}

var (
	baseOnce sync.Once
	base     *zap.Logger
)

func baseLogger() *zap.Logger {
	baseOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.OutputPaths = []string{"stderr"}
		l, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// DefaultLogger is the root Logger used by package-level helpers and as the
// fallback when a component is constructed without an explicit Logger.
var DefaultLogger = Logger{}

// Zap returns the configured zap.Logger with this Logger's name and fields
// attached, for callers (DKIM, DNS) that want native zap access instead of
// the Msg/Error helpers below.
func (l Logger) Zap() *zap.Logger {
	z := baseLogger()
	if l.Name != "" {
		z = z.Named(l.Name)
	}
	if len(l.Fields) > 0 {
		z = z.With(mapToZapFields(l.Fields)...)
	}
	return z
}

func mapToZapFields(m map[string]interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(m))
	for k, v := range m {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.Zap().Debug(fmt.Sprintf(format, val...))
}

func (l Logger) Debugln(val ...interface{}) {
	if !l.Debug {
		return
	}
	l.Zap().Debug(strings.TrimRight(fmt.Sprintln(val...), "\n"))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.Zap().Info(fmt.Sprintf(format, val...))
}

func (l Logger) Println(val ...interface{}) {
	l.Zap().Info(strings.TrimRight(fmt.Sprintln(val...), "\n"))
}

// Msg writes an informational, structured event. fields must alternate
// string keys and values, e.g. Msg("delivered", "rcpt", addr, "attempt", 3).
func (l Logger) Msg(msg string, fields ...interface{}) {
	l.Zap().Info(msg, mapToZapFields(fieldsToMap(fields))...)
}

// Error writes an error event. If err carries exterrors fields, they are
// merged in automatically so call sites don't have to re-derive
// smtp_code/reason/etc. by hand.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	allFields := exterrors.Fields(err)
	if allFields["reason"] == nil {
		allFields["reason"] = err.Error()
	}
	for k, v := range fieldsToMap(fields) {
		allFields[k] = v
	}

	l.Zap().Error(msg, mapToZapFields(allFields)...)
}

func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	l.Zap().Debug(kind, mapToZapFields(fieldsToMap(fields))...)
}

func fieldsToMap(fields []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)/2)
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				out[fmt.Sprintf("field%d", i)] = val
				continue
			}
			lastKey = key
		} else {
			out[lastKey] = val
		}
	}
	return out
}

// Write implements io.Writer so a Logger can be plugged in wherever an
// io.Writer sink is expected.
func (l Logger) Write(s []byte) (int, error) {
	l.Zap().Info(strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Msg(msg string, fields ...interface{})    { DefaultLogger.Msg(msg, fields...) }
func Error(msg string, err error, fields ...interface{}) {
	DefaultLogger.Error(msg, err, fields...)
}

// Sync flushes buffered log entries; call once before process exit.
func Sync() {
	_ = baseLogger().Sync()
	_ = os.Stderr.Sync()
}
