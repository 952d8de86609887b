package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalMap(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func scanNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// execMapUpdate builds and runs "UPDATE <table> SET k1=?,k2=? WHERE id=?"
// from an updates map. Keys are sorted for deterministic SQL.
func execMapUpdate(ctx context.Context, db *sql.DB, table, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	keys := sortedKeys(updates)

	var sets []string
	var args []any
	for _, k := range keys {
		sets = append(sets, k+" = ?")
		args = append(args, normalizeArg(updates[k]))
	}
	args = append(args, id)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	_, err := db.ExecContext(ctx, q, args...)
	return err
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeArg converts Go-side values into driver-friendly ones.
func normalizeArg(v any) any {
	switch x := v.(type) {
	case bool:
		return boolInt(x)
	case []string:
		return marshalJSON(x)
	case map[string]any:
		return marshalJSON(x)
	case *time.Time:
		return nullTime(x)
	default:
		return v
	}
}
