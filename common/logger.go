// Copyright © 2025 Weather Flick <dev@weatherflick.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ILogger interface {
	ShouldLog(level LogLevel) bool
	Log(level LogLevel, msg string)
	Panic(err error)
}

type ILoggerCloser interface {
	ILogger
	CloseLog()
}

type ILoggerResetable interface {
	OpenLog()
	MinimumLogLevel() LogLevel
	ILoggerCloser
}

// zapLevel maps a domain level onto zap's scale. Critical maps to zap's
// error level because zap's fatal level exits the process.
func (ll LogLevel) zapLevel() zapcore.Level {
	switch ll {
	case ELogLevel.Debug():
		return zapcore.DebugLevel
	case ELogLevel.Info():
		return zapcore.InfoLevel
	case ELogLevel.Warning():
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func newConsoleCore(ws zapcore.WriteSyncer) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	// Filtering happens in ShouldLog so the enabler passes everything through.
	return zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, zapcore.DebugLevel)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// appLogger is the process-wide logger. It writes to stderr and lives for the
// whole run; per-job loggers come and go around it.
type appLogger struct {
	minimumLevelToLog LogLevel
	zl                *zap.Logger
	sanitizer         LogSanitizer
}

func NewAppLogger(minimumLevelToLog LogLevel, name string) ILoggerCloser {
	core := newConsoleCore(zapcore.Lock(os.Stderr))
	return &appLogger{
		minimumLevelToLog: minimumLevelToLog,
		zl:                zap.New(core).Named(name),
		sanitizer:         NewWeatherFlickLogSanitizer(),
	}
}

func (al *appLogger) ShouldLog(level LogLevel) bool {
	if level == ELogLevel.None() {
		return false
	}
	return level <= al.minimumLevelToLog
}

func (al *appLogger) Log(level LogLevel, msg string) {
	if !al.ShouldLog(level) {
		return
	}
	writeSanitized(al.zl, al.sanitizer, level, msg)
}

func (al *appLogger) Panic(err error) {
	al.zl.Error(al.sanitizer.SanitizeLogMessage(err.Error()))
	panic(err)
}

func (al *appLogger) CloseLog() {
	_ = al.zl.Sync()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// jobLogger writes one plain-text log file per job execution under the
// configured log folder. OpenLog is cheap to skip (level None) so callers can
// construct the logger unconditionally.
type jobLogger struct {
	jobID             uuid.UUID
	minimumLevelToLog LogLevel
	file              *os.File
	logFileFolder     string
	zl                *zap.Logger
	sanitizer         LogSanitizer
	logFileNameSuffix string // allows more than one log per job, e.g. a separate retry log
}

func NewJobLogger(jobID uuid.UUID, minimumLevelToLog LogLevel, logFileFolder string, logFileNameSuffix string) ILoggerResetable {
	return &jobLogger{
		jobID:             jobID,
		minimumLevelToLog: minimumLevelToLog,
		logFileFolder:     logFileFolder,
		sanitizer:         NewWeatherFlickLogSanitizer(),
		logFileNameSuffix: logFileNameSuffix,
	}
}

func (jl *jobLogger) OpenLog() {
	if jl.minimumLevelToLog == ELogLevel.None() {
		return
	}

	err := os.MkdirAll(jl.logFileFolder, 0755)
	PanicIfErr(err)
	file, err := os.OpenFile(
		filepath.Join(jl.logFileFolder, jl.jobID.String()+jl.logFileNameSuffix+".log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	PanicIfErr(err)

	jl.file = file
	jl.zl = zap.New(newConsoleCore(zapcore.AddSync(file)))

	jl.zl.Info(fmt.Sprintf("%s version %s", AppName, AppVersion))
	jl.zl.Info("OS-Environment " + runtime.GOOS)
	jl.zl.Info("OS-Architecture " + runtime.GOARCH)
	jl.zl.Info(fmt.Sprintf("Log times are in server-local time. Current KST is %s",
		time.Now().In(kstZone).Format("2 Jan 2006 15:04:05")))
}

func (jl *jobLogger) MinimumLogLevel() LogLevel {
	return jl.minimumLevelToLog
}

func (jl *jobLogger) ShouldLog(level LogLevel) bool {
	if level == ELogLevel.None() {
		return false
	}
	return level <= jl.minimumLevelToLog
}

func (jl *jobLogger) CloseLog() {
	if jl.minimumLevelToLog == ELogLevel.None() || jl.file == nil {
		return
	}

	jl.zl.Info("Closing Log")
	_ = jl.zl.Sync()
	_ = jl.file.Close() // If it was already closed, that's alright. We wanted to close it, anyway.
}

func (jl *jobLogger) Log(loglevel LogLevel, msg string) {
	if jl.zl == nil || !jl.ShouldLog(loglevel) {
		return
	}
	writeSanitized(jl.zl, jl.sanitizer, loglevel, msg)
}

func (jl *jobLogger) Panic(err error) {
	if jl.zl != nil {
		jl.zl.Error(jl.sanitizer.SanitizeLogMessage(err.Error()))
	}
	panic(err)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// writeSanitized redacts secrets and forwards to the right zap method.
// Critical keeps its domain name in the message text since zap has no
// non-terminating critical level.
func writeSanitized(zl *zap.Logger, sanitizer LogSanitizer, level LogLevel, msg string) {
	msg = sanitizer.SanitizeLogMessage(msg)
	switch level {
	case ELogLevel.Debug():
		zl.Debug(msg)
	case ELogLevel.Info():
		zl.Info(msg)
	case ELogLevel.Warning():
		zl.Warn(msg)
	case ELogLevel.Critical():
		zl.Error("CRITICAL: " + msg)
	default:
		zl.Error(msg)
	}
}
