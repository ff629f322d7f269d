/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging is the leveled internal logger shared by the shmnet packages.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "SHMNET_LOG_LEVEL"
	EnvLogNoColor = "SHMNET_LOG_NOCOLOR"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

var (
	level atomic.Int32
	base  atomic.Pointer[zerolog.Logger]

	zerologLevels = []zerolog.Level{
		zerolog.TraceLevel,
		zerolog.DebugLevel,
		zerolog.InfoLevel,
		zerolog.WarnLevel,
		zerolog.ErrorLevel,
	}
)

func init() {
	SetLevel(LevelWarn)
	if l, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		SetLevel(l)
	}
	noColor, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor)))
	SetOutput(os.Stdout, noColor)
}

// SetLevel changes the level of every Logger. The default level is Warn and
// may also be set with SHMNET_LOG_LEVEL.
func SetLevel(l int) {
	if l < LevelTrace || l > LevelNoPrint {
		return
	}
	level.Store(int32(l))
	if l == LevelTrace && zerolog.GlobalLevel() > zerolog.TraceLevel {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}
}

// CurrentLevel returns the active level.
func CurrentLevel() int {
	return int(level.Load())
}

// SetOutput redirects all loggers to w.
func SetOutput(w io.Writer, noColor bool) {
	if w == nil {
		w = os.Stdout
	}
	zl := zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "2006-01-02 15:04:05.999999",
		NoColor:    noColor,
	}).With().Timestamp().Logger()
	base.Store(&zl)
}

// ParseLevel accepts either the numeric levels (0 trace .. 5 off) or their names.
func ParseLevel(raw string) (int, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n < LevelTrace || n > LevelNoPrint {
			return 0, false
		}
		return n, true
	}
	switch raw {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "off", "none", "disabled":
		return LevelNoPrint, true
	default:
		return 0, false
	}
}

type Logger struct {
	name      string
	callDepth int
}

func New(name string) *Logger {
	return &Logger{name: name, callDepth: 3}
}

func (l *Logger) Errorf(format string, a ...any) { l.logf(LevelError, format, a...) }
func (l *Logger) Warnf(format string, a ...any)  { l.logf(LevelWarn, format, a...) }
func (l *Logger) Infof(format string, a ...any)  { l.logf(LevelInfo, format, a...) }
func (l *Logger) Debugf(format string, a ...any) { l.logf(LevelDebug, format, a...) }
func (l *Logger) Tracef(format string, a ...any) { l.logf(LevelTrace, format, a...) }

func (l *Logger) logf(lvl int, format string, a ...any) {
	if lvl < CurrentLevel() {
		return
	}
	zl := base.Load()
	ev := zl.WithLevel(zerologLevels[lvl]).Str("caller", l.location())
	if l.name != "" {
		ev = ev.Str("logger", l.name)
	}
	ev.Msgf(format, a...)
}

func (l *Logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
