// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package invite

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenEntropyBytes is the entropy of generated invite tokens. The wire
// contract requires at least 16 bytes; 24 keeps the base64 form padding-free.
const tokenEntropyBytes = 24

// minTokenLength is the shortest token accepted by validation. Anything
// shorter is rejected as malformed before the store is consulted.
const minTokenLength = 10

// newToken returns a fresh URL-safe invite token.
func newToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate invite token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
