package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSeriesNotFound = errors.New("series not found")
	ErrMemberNotFound = errors.New("series member not found")
	ErrSermonNotFound = errors.New("sermon not found")
	ErrGroupNotFound  = errors.New("group not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrAlreadyMember  = errors.New("already a series member")
	ErrSeriesConflict = errors.New("series modified concurrently")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err is one of the entity or member not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSeriesNotFound) ||
		errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrSermonNotFound) ||
		errors.Is(err, ErrGroupNotFound)
}

func ParseItemType(value string) (ItemType, error) {
	normalized := ItemType(strings.ToLower(strings.TrimSpace(value)))
	for _, t := range ItemTypes {
		if t == normalized {
			return t, nil
		}
	}
	return "", invalidf("unknown item type %q", value)
}

func requireID(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalidf("%s is required", field)
	}
	return nil
}

// validatePermutation checks that ordered holds exactly the ids in current.
func validatePermutation(current, ordered []string) error {
	if len(ordered) == 0 {
		return invalidf("order list is empty")
	}
	if len(ordered) != len(current) {
		return invalidf("order list has %d ids, series has %d", len(ordered), len(current))
	}
	remaining := make(map[string]int, len(current))
	for _, id := range current {
		remaining[id]++
	}
	for _, id := range ordered {
		if remaining[id] == 0 {
			return invalidf("order list contains unknown or repeated id %q", id)
		}
		remaining[id]--
	}
	return nil
}

// insertAt inserts value at the 1-based position, clamped to [1, len+1]; a nil
// position appends.
func insertAt[T any](list []T, value T, position *int) []T {
	index := len(list)
	if position != nil {
		index = *position - 1
		if index < 0 {
			index = 0
		}
		if index > len(list) {
			index = len(list)
		}
	}
	out := make([]T, 0, len(list)+1)
	out = append(out, list[:index]...)
	out = append(out, value)
	return append(out, list[index:]...)
}

func numbered(items []SeriesItem) []SeriesItem {
	for i := range items {
		items[i].Position = i + 1
	}
	return items
}
