package ibl

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

const maxDriverRows = 200

// SQLiteDriver answers read-only queries against the caller's project
// database. ADB and CDP backends are reserved for later phases.
type SQLiteDriver struct {
	open func(path string) (*sql.DB, error)
}

func NewSQLiteDriver(open func(path string) (*sql.DB, error)) *SQLiteDriver {
	return &SQLiteDriver{open: open}
}

func (s *SQLiteDriver) Name() string { return "sqlite" }

// Exec runs one SELECT statement and renders rows as a JSON array of
// objects. Anything that could mutate state is rejected up front.
func (s *SQLiteDriver) Exec(ctx context.Context, caller Caller, target string, params map[string]any) (string, error) {
	query := strings.TrimSpace(target)
	if query == "" {
		if q, ok := params["query"].(string); ok {
			query = strings.TrimSpace(q)
		}
	}
	if query == "" {
		return "", fmt.Errorf("empty query")
	}
	head := strings.ToUpper(strings.Fields(query)[0])
	if head != "SELECT" && head != "WITH" && head != "PRAGMA" && head != "EXPLAIN" {
		return "", fmt.Errorf("only read queries are allowed, got %s", head)
	}
	if caller.ProjectDir == "" {
		return "", fmt.Errorf("no project bound to caller")
	}

	db, err := s.open(filepath.Join(caller.ProjectDir, "maestro.db"))
	if err != nil {
		return "", fmt.Errorf("open project db: %w", err)
	}
	defer db.Close() //nolint:errcheck

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("query: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var out []map[string]any
	for rows.Next() {
		if len(out) >= maxDriverRows {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			switch v := vals[i].(type) {
			case []byte:
				row[c] = string(v)
			default:
				row[c] = v
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	buf, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
