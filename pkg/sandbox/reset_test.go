// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reset.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700))
	return path
}

func TestResetHookDisabledWithoutScript(t *testing.T) {
	t.Parallel()

	hook := &ResetHook{}
	code, err := hook.Run(t.Context(), "session-1")
	require.NoError(t, err)
	assert.Zero(t, code)
}

func TestResetHookEnvironment(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "env.txt")
	script := writeScript(t, `printf '%s|%s|%s|%s|%s|%s' "$JIRA_API_TOKEN" "$JIRA_EMAIL" "$JIRA_SITE_URL" "$DEMO_SESSION_ID" "$1" "$2" > `+out+"\n")

	hook := &ResetHook{
		Script:       script,
		JiraAPIToken: "jira-token",
		JiraEmail:    "demo@example.com",
		JiraSiteURL:  "https://example.atlassian.net",
		Project:      "DEMO",
	}
	code, err := hook.Run(t.Context(), "session-1")
	require.NoError(t, err)
	assert.Zero(t, code)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	fields := strings.Split(string(data), "|")
	require.Len(t, fields, 6)
	assert.Equal(t, "jira-token", fields[0])
	assert.Equal(t, "demo@example.com", fields[1])
	assert.Equal(t, "https://example.atlassian.net", fields[2])
	assert.Equal(t, "session-1", fields[3])
	assert.Equal(t, []string{"--project", "DEMO"}, fields[4:6])
}

func TestResetHookNeverSeesModelToken(t *testing.T) {
	// No t.Parallel: t.Setenv forbids it.
	out := filepath.Join(t.TempDir(), "env.txt")
	script := writeScript(t, `env > `+out+"\n")

	t.Setenv("CLAUDE_CODE_OAUTH_TOKEN", "super-secret")
	hook := &ResetHook{Script: script, JiraAPIToken: "jira-token"}
	code, err := hook.Run(t.Context(), "session-1")
	require.NoError(t, err)
	assert.Zero(t, code)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")
}

func TestResetHookFailureSurfacesStderr(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "echo 'jira cleanup exploded' >&2\nexit 3\n")

	hook := &ResetHook{Script: script}
	code, err := hook.Run(t.Context(), "session-1")
	require.Error(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, err.Error(), "jira cleanup exploded")
}
