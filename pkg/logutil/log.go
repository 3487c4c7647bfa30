// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"context"
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogLevel      = "info"
	defaultLogMaxDays    = 7
	defaultLogMaxSize    = 512 // MB
	defaultLogMaxBackups = 0
)

// Config serializes log related config in toml/json.
type Config struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log filename, leave empty to disable file log.
	File string `toml:"file" json:"file"`
	// Max size for a single file, in MB.
	FileMaxSize int `toml:"max-size" json:"max-size"`
	// Max log keep days, default is never deleting.
	FileMaxDays int `toml:"max-days" json:"max-days"`
	// Maximum number of old log files to retain.
	FileMaxBackups int `toml:"max-backups" json:"max-backups"`
}

// Adjust adjusts config
func (cfg *Config) Adjust() {
	if len(cfg.Level) == 0 {
		cfg.Level = defaultLogLevel
	}
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}
	if cfg.FileMaxSize == 0 {
		cfg.FileMaxSize = defaultLogMaxSize
	}
	if cfg.FileMaxDays == 0 {
		cfg.FileMaxDays = defaultLogMaxDays
	}
	if cfg.FileMaxBackups == 0 {
		cfg.FileMaxBackups = defaultLogMaxBackups
	}
}

// InitLogger initializes logger
func InitLogger(cfg *Config) error {
	cfg.Adjust()
	pclogConfig := &log.Config{
		Level: cfg.Level,
		File: log.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.FileMaxSize,
			MaxDays:    cfg.FileMaxDays,
			MaxBackups: cfg.FileMaxBackups,
		},
	}

	var lg *zap.Logger
	var props *log.ZapProperties
	lg, props, err := log.InitLogger(pclogConfig)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)

	return errors.Trace(SetLogLevel(cfg.Level))
}

// SetLogLevel changes the global log level dynamically.
func SetLogLevel(level string) error {
	oldLevel := log.GetLevel()
	var lv zapcore.Level
	err := lv.UnmarshalText([]byte(strings.ToLower(level)))
	if err != nil {
		return errors.Trace(err)
	}
	if lv != oldLevel {
		log.SetLevel(lv)
		log.Info("log level changed",
			zap.Stringer("old", oldLevel), zap.Stringer("new", lv))
	}
	return nil
}

// ShortError contructs a field which only records the error message without the
// verbose text (i.e. excludes the stack trace).
func ShortError(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", err.Error())
}

// ErrorFilterContextCanceled logs msg at error level unless one of the
// fields carries a context.Canceled error, which happens on every shutdown.
func ErrorFilterContextCanceled(logger *zap.Logger, msg string, fields ...zap.Field) {
	for _, field := range fields {
		if isCanceledField(field) {
			return
		}
	}
	logger.WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

func isCanceledField(field zap.Field) bool {
	switch field.Type {
	case zapcore.StringType:
		return field.Key == "error" && strings.Contains(field.String, context.Canceled.Error())
	case zapcore.ErrorType:
		err, ok := field.Interface.(error)
		return ok && errors.Cause(err) == context.Canceled
	default:
		return false
	}
}
