package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/match-archiver/internal/logging"
)

const clickHouseMigrationsTable = "schema_migrations"

// RunClickHouseMigrations applies the .sql files in migrationsPath in name order.
// Applied file names are recorded so a file runs at most once.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, migrationsPath string, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("clickhouse_migrate")

	files, err := os.ReadDir(migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	if len(sqlFiles) == 0 {
		logger.Info("no clickhouse migration files found")
		return nil
	}

	if err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+clickHouseMigrationsTable+` (
		name String,
		applied_at DateTime DEFAULT now()
	) ENGINE = MergeTree ORDER BY name`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedClickHouseMigrations(ctx, db)
	if err != nil {
		return err
	}

	for _, filename := range sqlFiles {
		if applied[filename] {
			continue
		}

		content, err := os.ReadFile(filepath.Join(migrationsPath, filename)) // #nosec G304 - path built from trusted migrationsPath
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			logger.WithFields(map[string]interface{}{
				"file":      filename,
				"statement": i + 1,
			}).Debugf("executing %s", truncate(stmt, 80))

			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement %d in %s: %w", i+1, filename, err)
			}
		}

		if err := db.Exec(ctx, `INSERT INTO `+clickHouseMigrationsTable+` (name) VALUES (?)`, filename); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", filename, err)
		}
		logger.WithField("file", filename).Info("applied clickhouse migration")
	}

	return nil
}

func appliedClickHouseMigrations(ctx context.Context, db *ClickHouseDB) (map[string]bool, error) {
	rows, err := db.Conn().Query(ctx, `SELECT name FROM `+clickHouseMigrationsTable)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration name: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// splitSQLStatements splits SQL content into individual statements.
// Comment-only lines are dropped and trailing semicolons are stripped.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
