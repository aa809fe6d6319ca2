/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package content validates purchased content ids against an external catalog.
package content

import (
	"context"
	"errors"
	"fmt"
)

// ErrRejected marks content that exists but may not be queued. Wrapped errors carry the reason.
var ErrRejected = errors.New("content rejected")

// Metadata is the canonical display data for a content id.
type Metadata struct {
	ContentID       string
	Title           string
	Creator         string
	DurationSeconds int
	ThumbnailURL    string
}

// Validator looks up a content id. Any error wrapping ErrRejected means "drop this purchase";
// other errors are lookup faults.
type Validator interface {
	Validate(ctx context.Context, contentID string) (*Metadata, error)
}

func reject(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// IsRejected reports whether err is a content rejection rather than a lookup fault.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
