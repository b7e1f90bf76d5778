package queue

import (
	"context"
	"fmt"
	"time"
)

// Unsupported stands in for connections that cannot be inspected, such as sync.
type Unsupported struct {
	Connection string
}

func (u Unsupported) Name() string    { return u.Connection }
func (u Unsupported) Supported() bool { return false }

func (u Unsupported) Counts(context.Context, string, string) (Counts, error) {
	return Counts{}, nil
}

func (u Unsupported) Purge(context.Context, string, string) (Counts, error) {
	return Counts{}, fmt.Errorf("%s: %w", u.Connection, ErrUnsupported)
}

func (u Unsupported) Dispatch(context.Context, string, string, any, time.Duration) (string, error) {
	return "", fmt.Errorf("%s: %w", u.Connection, ErrUnsupported)
}

func (u Unsupported) CountFailed(context.Context, string, string) (int, error) { return 0, nil }

func (u Unsupported) RetryFailed(context.Context, string, string) (int, error) {
	return 0, fmt.Errorf("%s: %w", u.Connection, ErrUnsupported)
}

func (u Unsupported) ClearFailed(context.Context, string, string) (int, error) {
	return 0, fmt.Errorf("%s: %w", u.Connection, ErrUnsupported)
}
