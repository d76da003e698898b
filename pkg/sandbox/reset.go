// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/stacklok/demobroker/pkg/logger"
)

// resetTimeout bounds a single reset-hook run.
const resetTimeout = 5 * time.Minute

// stderrTailBytes is how much of the hook's stderr is kept for the audit
// trail on failure.
const stderrTailBytes = 512

// ResetHook invokes the external data-reset script after each session. The
// script receives only the issue-tracker identity it needs, never the
// model-provider credentials.
type ResetHook struct {
	Script       string
	JiraAPIToken string
	JiraEmail    string
	JiraSiteURL  string
	Project      string
}

// Run executes the hook for a finished session and returns its exit code.
// A missing script path disables the hook.
func (h *ResetHook) Run(ctx context.Context, sessionID string) (int, error) {
	if h.Script == "" {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, resetTimeout)
	defer cancel()

	args := []string{}
	if h.Project != "" {
		args = append(args, "--project", h.Project)
	}

	cmd := exec.CommandContext(ctx, h.Script, args...)
	cmd.Env = []string{
		"JIRA_API_TOKEN=" + h.JiraAPIToken,
		"JIRA_EMAIL=" + h.JiraEmail,
		"JIRA_SITE_URL=" + h.JiraSiteURL,
		"DEMO_SESSION_ID=" + sessionID,
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Infow("running data-reset hook", "session_id", sessionID, "script", h.Script)
	err := cmd.Run()
	if err == nil {
		logger.Infow("data-reset hook completed", "session_id", sessionID)
		return 0, nil
	}

	code := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	return code, fmt.Errorf("data-reset hook failed (exit %d): %s", code, tail(stderr.Bytes(), stderrTailBytes))
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
