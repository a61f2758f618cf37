package poll

import "time"

// ByLastID advances the cursor to the id of the last item in the batch.
func ByLastID[T any](id func(T) string) CursorFunc[T] {
	return func(items []T, _ time.Time) string {
		return id(items[len(items)-1])
	}
}

// ByTimestamp advances the cursor to the time the successful probe started,
// so items created while it was in flight are picked up by the next one.
func ByTimestamp[T any]() CursorFunc[T] {
	return func(_ []T, startedAt time.Time) string {
		return Timestamp(startedAt)
	}
}

// Timestamp formats t the way timestamp cursors are sent (RFC 3339, UTC).
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
