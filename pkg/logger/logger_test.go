// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	old := Get()
	Set(zap.New(core).Sugar())
	t.Cleanup(func() { Set(old) })
	return logs
}

func TestPackageLevelHelpers(t *testing.T) {
	logs := newObserved(t)

	Infof("hello %s", "world")
	Warnw("queue full", "size", 10)
	Errorf("boom: %v", "reason")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "hello world", entries[0].Message)
	assert.Equal(t, "queue full", entries[1].Message)
	assert.Equal(t, int64(10), entries[1].ContextMap()["size"])
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
}

func TestDefaultLoggerNeverNil(t *testing.T) {
	require.NotNil(t, Get())
}
