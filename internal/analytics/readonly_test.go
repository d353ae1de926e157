package analytics

import (
	"errors"
	"testing"
)

func TestValidateReadOnly(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr bool
	}{
		{"plain select", "SELECT * FROM sales", false},
		{"lowercase", "select 1", false},
		{"cte", "WITH t AS (SELECT 1) SELECT * FROM t", false},
		{"leading parens", "(SELECT 1) UNION (SELECT 2)", false},
		{"leading whitespace", "\n\t SELECT 1", false},
		{"trailing semicolon", "SELECT 1;", false},
		{"trailing semicolon and space", "SELECT 1; ", false},
		{"explain", "EXPLAIN QUERY PLAN SELECT 1", false},
		{"describe", "DESCRIBE sales", false},
		{"show", "SHOW TABLES", false},
		{"insert", "INSERT INTO sales VALUES (1)", true},
		{"update", "UPDATE sales SET amount = 0", true},
		{"delete", "DELETE FROM sales", true},
		{"drop", "DROP TABLE sales", true},
		{"pragma", "PRAGMA journal_mode", true},
		{"attach", "ATTACH DATABASE 'x' AS y", true},
		{"multiple statements", "SELECT 1; DELETE FROM sales", true},
		{"piggybacked write", "SELECT 1; INSERT INTO sales VALUES (1);", true},
		{"empty", "", true},
		{"whitespace only", "   \n", true},
		{"bare semicolon", ";", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReadOnly(tt.query)
			if tt.wantErr {
				if !errors.Is(err, ErrNotReadOnly) {
					t.Errorf("ValidateReadOnly(%q) = %v, want ErrNotReadOnly", tt.query, err)
				}
			} else if err != nil {
				t.Errorf("ValidateReadOnly(%q) = %v, want nil", tt.query, err)
			}
		})
	}
}
