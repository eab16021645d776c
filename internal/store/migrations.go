package store

import (
	"context"
	"embed"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// schemaStep is one numbered file under migrations/, e.g. 001_init.sql.
type schemaStep struct {
	version int
	name    string
	sql     string
}

func parseStepName(file string) (int, string, error) {
	base := strings.TrimSuffix(file, ".sql")
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("migration %s: want <version>_<name>.sql", file)
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("migration %s: version %q is not a positive number", file, num)
	}
	return version, name, nil
}

// schemaSteps returns the embedded steps ordered by version. Versions must be
// unique.
func schemaSteps() ([]schemaStep, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	steps := make([]schemaStep, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		version, name, err := parseStepName(entry.Name())
		if err != nil {
			return nil, err
		}
		data, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		steps = append(steps, schemaStep{version: version, name: name, sql: string(data)})
	}
	slices.SortFunc(steps, func(a, b schemaStep) int { return a.version - b.version })
	for i := 1; i < len(steps); i++ {
		if steps[i].version == steps[i-1].version {
			return nil, fmt.Errorf("migrations %s and %s share version %d", steps[i-1].name, steps[i].name, steps[i].version)
		}
	}
	return steps, nil
}

// migrate brings the schema up to the newest embedded step, one transaction
// per step, and records the resulting version on s.
func (s *Store) migrate(ctx context.Context) error {
	steps, err := schemaSteps()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	newest := 0
	if len(steps) > 0 {
		newest = steps[len(steps)-1].version
	}
	if current > newest {
		return services.Wrap(services.ErrConfiguration, "store", "migrate",
			fmt.Sprintf("state database %s is at schema version %d but this build knows only up to %d; upgrade videogen", s.path, current, newest), nil)
	}

	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if err := s.applyStep(ctx, step); err != nil {
			return err
		}
		current = step.version
	}
	s.schemaVersion = current
	return nil
}

func (s *Store) applyStep(ctx context.Context, step schemaStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", step.version, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, step.sql); err != nil {
		return fmt.Errorf("apply migration %d_%s: %w", step.version, step.name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		step.version, step.name, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("record migration %d: %w", step.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", step.version, err)
	}
	return nil
}

// SchemaVersion returns the schema version the database was migrated to.
func (s *Store) SchemaVersion() int {
	return s.schemaVersion
}
