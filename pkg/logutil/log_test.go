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
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerAndSetLogLevel(t *testing.T) {
	cfg := &Config{Level: "warning", File: filepath.Join(t.TempDir(), "shardjob.log")}
	cfg.Adjust()
	require.NoError(t, InitLogger(cfg))
	require.Equal(t, zapcore.WarnLevel, log.GetLevel())

	for _, tc := range []struct {
		level    string
		expected zapcore.Level
	}{
		{"info", zapcore.InfoLevel},
		{"INFO", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"error", zapcore.ErrorLevel},
	} {
		require.NoError(t, SetLogLevel(tc.level))
		require.Equal(t, tc.expected, log.GetLevel())
	}
	require.Error(t, SetLogLevel("badlevel"))
	require.Equal(t, zapcore.ErrorLevel, log.GetLevel())
}

func TestConfigAdjust(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Adjust()
	require.Equal(t, defaultLogLevel, cfg.Level)
	require.Equal(t, defaultLogMaxSize, cfg.FileMaxSize)
	require.Equal(t, defaultLogMaxDays, cfg.FileMaxDays)
}

func TestErrorFilterContextCanceled(t *testing.T) {
	t.Parallel()

	var buffer bytes.Buffer
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	logger := zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buffer), zapcore.DebugLevel))

	ErrorFilterContextCanceled(logger, "the message", zap.Int("number", 123456),
		zap.Ints("array", []int{7, 8, 9}), zap.Error(context.Canceled))
	require.Equal(t, "", buffer.String())

	ErrorFilterContextCanceled(logger, "the message", zap.Int("number", 123456),
		zap.Ints("array", []int{7, 8, 9}), ShortError(errors.Annotate(context.Canceled, "extra info")))
	require.Equal(t, "", buffer.String())

	ErrorFilterContextCanceled(logger, "the message", zap.Int("number", 123456),
		zap.Ints("array", []int{7, 8, 9}))
	require.Contains(t, buffer.String(), "the message")
}

func TestShortError(t *testing.T) {
	t.Parallel()

	var err error
	require.Equal(t, zap.Skip(), ShortError(err))

	err = errors.New("short")
	require.Equal(t, zap.String("error", "short"), ShortError(err))
}
