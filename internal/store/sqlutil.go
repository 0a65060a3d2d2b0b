package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// encodeConfig serializes a handler configuration map for storage.
// Empty maps are stored as NULL.
func encodeConfig(cfg map[string]string) (any, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return string(b), nil
}

func decodeConfig(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	return decodeConfigBytes([]byte(raw.String))
}

func decodeConfigBytes(raw []byte) (map[string]string, error) {
	var cfg map[string]string
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func strOf(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

// excludePlaceholders renders "?, ?, ..." for an id exclusion list and the
// matching args slice. Returns empty strings when there is nothing to exclude.
func excludePlaceholders(exclude []int64) (string, []any) {
	if len(exclude) == 0 {
		return "", nil
	}
	ph := make([]string, len(exclude))
	args := make([]any, len(exclude))
	for i, id := range exclude {
		ph[i] = "?"
		args[i] = id
	}
	return strings.Join(ph, ","), args
}
