// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// Credentials is the secret set handed to each session's sandbox through a
// transient file. Values must never appear in logs or on a command line.
type Credentials struct {
	JiraAPIToken    string
	JiraEmail       string
	JiraSiteURL     string
	ModelOAuthToken string
}

// writeCredentialFile creates the per-session credential file in dir, mode
// 0600, owner-only, as KEY=value lines. It returns the file path and a
// cleanup function that unlinks it; the caller must invoke cleanup exactly
// once on every exit path.
func writeCredentialFile(dir, sessionID string, creds Credentials) (string, func() error, error) {
	path := filepath.Join(dir, sessionID+".env")

	// O_EXCL: a leftover file for this session id means a previous cleanup
	// was skipped, which the supervisor treats as an invariant violation.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create credential file: %w", err)
	}

	content := fmt.Sprintf("JIRA_API_TOKEN=%s\nJIRA_EMAIL=%s\nJIRA_SITE_URL=%s\nCLAUDE_CODE_OAUTH_TOKEN=%s\n",
		creds.JiraAPIToken, creds.JiraEmail, creds.JiraSiteURL, creds.ModelOAuthToken)

	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("failed to close credential file: %w", err)
	}

	cleanup := func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove credential file: %w", err)
		}
		return nil
	}
	return path, cleanup, nil
}
