package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

const (
	migrationsDir = "sql/migrations"
	// schemaLockKey — ключ pg_advisory_lock, общий для всех экземпляров сервиса и cmd/migrate.
	schemaLockKey = int64(7310245)

	schemaTableDDL = `
CREATE TABLE IF NOT EXISTS workflow_schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

// ErrSchemaDrift — записанная в базе миграция не совпадает со встроенной в бинарь.
var ErrSchemaDrift = errors.New("schema drift")

// Migration — пара up/down скриптов одной версии схемы.
type Migration struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

// SchemaStatus — состояние схемы относительно встроенных миграций.
type SchemaStatus struct {
	Version int64
	Applied int
	Pending int
}

type appliedMigration struct {
	Version  int64
	Checksum string
}

// MigrateUp применяет ожидающие миграции; steps<=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, func(all []Migration, applied []appliedMigration) ([]Migration, error) {
		return planUp(all, applied, steps)
	}, true)
}

// MigrateDown откатывает последние steps миграций, по умолчанию одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, func(all []Migration, applied []appliedMigration) ([]Migration, error) {
		return planDown(all, applied, steps)
	}, false)
}

// MigrationStatus сравнивает записанные миграции со встроенными.
func (s *Store) MigrationStatus(ctx context.Context) (SchemaStatus, error) {
	if s == nil || s.db == nil {
		return SchemaStatus{}, errors.New("postgres store is not initialized")
	}
	all, err := parseMigrations(migrationsFS)
	if err != nil {
		return SchemaStatus{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schemaTableDDL); err != nil {
		return SchemaStatus{}, fmt.Errorf("ensure migration table: %w", err)
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return SchemaStatus{}, err
	}
	return schemaStatus(all, applied), nil
}

func schemaStatus(all []Migration, applied []appliedMigration) SchemaStatus {
	done := make(map[int64]bool, len(applied))
	status := SchemaStatus{Applied: len(applied)}
	for _, a := range applied {
		done[a.Version] = true
		if a.Version > status.Version {
			status.Version = a.Version
		}
	}
	for _, m := range all {
		if !done[m.Version] {
			status.Pending++
		}
	}
	return status
}

type migrationPlanner func(all []Migration, applied []appliedMigration) ([]Migration, error)

// migrate держит advisory lock на выделенном соединении, чтобы параллельные
// экземпляры не применяли одну миграцию дважды.
func (s *Store) migrate(ctx context.Context, plan migrationPlanner, up bool) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}
	all, err := parseMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	_, err = conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey)
	cancel()
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaTableDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return err
	}
	steps, err := plan(all, applied)
	if err != nil {
		return err
	}
	for _, m := range steps {
		if err := runMigration(ctx, conn, m, up); err != nil {
			return err
		}
	}
	return nil
}

// planUp возвращает ожидающие миграции по возрастанию версии.
// Применённая миграция с другим checksum или неизвестной версией означает дрейф схемы.
func planUp(all []Migration, applied []appliedMigration, steps int) ([]Migration, error) {
	known := make(map[int64]Migration, len(all))
	for _, m := range all {
		known[m.Version] = m
	}
	done := make(map[int64]bool, len(applied))
	for _, a := range applied {
		m, ok := known[a.Version]
		if !ok {
			return nil, fmt.Errorf("%w: version %d is applied but not embedded", ErrSchemaDrift, a.Version)
		}
		if a.Checksum != m.Checksum {
			return nil, fmt.Errorf("%w: version %d_%s was modified after it was applied", ErrSchemaDrift, m.Version, m.Name)
		}
		done[a.Version] = true
	}

	var pending []Migration
	for _, m := range all {
		if done[m.Version] {
			continue
		}
		pending = append(pending, m)
		if steps > 0 && len(pending) == steps {
			break
		}
	}
	return pending, nil
}

// planDown возвращает последние steps применённых миграций, от новой к старой.
func planDown(all []Migration, applied []appliedMigration, steps int) ([]Migration, error) {
	known := make(map[int64]Migration, len(all))
	for _, m := range all {
		known[m.Version] = m
	}
	versions := make([]int64, 0, len(applied))
	for _, a := range applied {
		versions = append(versions, a.Version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	if steps < len(versions) {
		versions = versions[:steps]
	}

	out := make([]Migration, 0, len(versions))
	for _, v := range versions {
		m, ok := known[v]
		if !ok {
			return nil, fmt.Errorf("cannot roll back version %d: no embedded down script", v)
		}
		out = append(out, m)
	}
	return out, nil
}

func runMigration(ctx context.Context, conn *sql.Conn, m Migration, up bool) error {
	direction, body := "down", m.Down
	if up {
		direction, body = "up", m.Up
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %d_%s: %w", direction, m.Version, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s %d_%s: %w", direction, m.Version, m.Name, err)
	}

	if up {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
			m.Version, m.Name, m.Checksum)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM workflow_schema_migrations WHERE version = $1`, m.Version)
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s %d_%s: %w", direction, m.Version, m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %d_%s: %w", direction, m.Version, m.Name, err)
	}
	return nil
}

func loadApplied(ctx context.Context, conn *sql.Conn) ([]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM workflow_schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var out []appliedMigration
	for rows.Next() {
		var a appliedMigration
		if err := rows.Scan(&a.Version, &a.Checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// parseMigrations читает пары NNNN_name.up.sql / NNNN_name.down.sql из migrationsDir.
func parseMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := entry.Name()
		version, name, up, err := parseMigrationName(file)
		if err != nil {
			return nil, err
		}
		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, file))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration %s is empty", file)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("version %d has two names: %s and %s", version, m.Name, name)
		}
		target := &m.Down
		if up {
			target = &m.Up
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate migration %s", file)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %d_%s needs both up and down scripts", m.Version, m.Name)
		}
		sum := sha256.Sum256([]byte(m.Up))
		m.Checksum = hex.EncodeToString(sum[:])
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// parseMigrationName разбирает "0002_status_history.up.sql".
func parseMigrationName(file string) (version int64, name string, up bool, err error) {
	stem, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", false, fmt.Errorf("migration %s: expected .sql extension", file)
	}
	switch {
	case strings.HasSuffix(stem, ".up"):
		stem, up = strings.TrimSuffix(stem, ".up"), true
	case strings.HasSuffix(stem, ".down"):
		stem = strings.TrimSuffix(stem, ".down")
	default:
		return 0, "", false, fmt.Errorf("migration %s: expected .up or .down", file)
	}
	digits, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" {
		return 0, "", false, fmt.Errorf("migration %s: expected NNNN_name", file)
	}
	version, err = strconv.ParseInt(digits, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", false, fmt.Errorf("migration %s: bad version %q", file, digits)
	}
	return version, name, up, nil
}
