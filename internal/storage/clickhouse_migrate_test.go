package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSQLStatements(t *testing.T) {
	content := `-- header comment
CREATE TABLE a (
    x Int64
) ENGINE = MergeTree ORDER BY x;

-- second
CREATE TABLE b (y Int64) ENGINE = Memory;
SELECT 1`

	got := splitSQLStatements(content)
	assert.Equal(t, []string{
		"CREATE TABLE a (\n    x Int64\n) ENGINE = MergeTree ORDER BY x",
		"CREATE TABLE b (y Int64) ENGINE = Memory",
		"SELECT 1",
	}, got)
}

func TestSplitSQLStatementsEmpty(t *testing.T) {
	assert.Empty(t, splitSQLStatements("-- nothing\n\n"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}
