// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// expiryPattern is the invite lifetime grammar: an integer with a unit of
// minutes, hours, days or weeks.
var expiryPattern = regexp.MustCompile(`^(\d+)(m|h|d|w)$`)

// parseExpiry parses values like 30m, 48h, 2d or 1w.
func parseExpiry(s string) (time.Duration, error) {
	matches := expiryPattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid expiry %q: expected <n>m, <n>h, <n>d or <n>w", s)
	}

	n, err := strconv.Atoi(matches[1])
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid expiry %q: count must be a positive integer", s)
	}

	switch matches[2] {
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
}
