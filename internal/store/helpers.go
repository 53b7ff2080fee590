package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rebindPostgres rewrites ? placeholders into $1, $2, ... for lib/pq.
// Queries in this package never contain literal question marks.
func rebindPostgres(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func encodeOptions(options []string) (string, error) {
	data, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("failed to encode poll options: %w", err)
	}
	return string(data), nil
}

func decodeOptions(raw string) ([]string, error) {
	var options []string
	if raw == "" {
		return options, nil
	}
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return nil, fmt.Errorf("failed to decode poll options: %w", err)
	}
	return options, nil
}
