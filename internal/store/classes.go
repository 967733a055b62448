package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertClassUnit creates or updates a class row. Class ids are assigned
// upstream, so the upstream id is the primary key; rows accumulate and are
// never deactivated by the sync engine.
func (s *Store) UpsertClassUnit(ctx context.Context, q DBTX, cu *ClassUnit, now time.Time) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO class_units (id, school_id, class_level_id, name, parallel, literal, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		school_id = COALESCE(excluded.school_id, school_id),
		class_level_id = COALESCE(excluded.class_level_id, class_level_id),
		name = excluded.name,
		parallel = excluded.parallel,
		literal = excluded.literal,
		updated_at = excluded.updated_at`,
		cu.ID,
		int64ToNull(cu.SchoolID),
		int64ToNull(cu.ClassLevelID),
		cu.Name,
		stringToNull(cu.Parallel),
		stringToNull(cu.Literal),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert class %d: %w", cu.ID, err)
	}
	return nil
}

// GetClassUnit returns one class row. Returns ErrNotFound when absent.
func (s *Store) GetClassUnit(ctx context.Context, q DBTX, id int64) (*ClassUnit, error) {
	row := q.QueryRowContext(ctx, `
	SELECT id, school_id, class_level_id, name, parallel, literal, created_at, updated_at
	FROM class_units WHERE id = ?`, id)

	cu, err := scanClassUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get class %d: %w", id, err)
	}
	return cu, nil
}

// ListClassUnits returns all known classes ordered by name.
func (s *Store) ListClassUnits(ctx context.Context) ([]*ClassUnit, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, school_id, class_level_id, name, parallel, literal, created_at, updated_at
	FROM class_units ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	defer rows.Close()

	var out []*ClassUnit
	for rows.Next() {
		cu, err := scanClassUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan class: %w", err)
		}
		out = append(out, cu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating classes: %w", err)
	}
	return out, nil
}

// ReplaceClassStaff rebuilds a class's staff links from the current upstream
// record: existing links are cleared and the given set inserted. Links are
// never merged with previous runs.
func (s *Store) ReplaceClassStaff(ctx context.Context, q DBTX, classID int64, links []ClassStaffLink, now time.Time) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM class_staff WHERE class_unit_id = ?`, classID); err != nil {
		return fmt.Errorf("failed to clear staff links for class %d: %w", classID, err)
	}

	for _, link := range links {
		_, err := q.ExecContext(ctx, `
		INSERT INTO class_staff (class_unit_id, staff_id, is_leader, subject, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(class_unit_id, staff_id) DO NOTHING`,
			classID, link.StaffID, link.IsLeader, stringToNull(link.Subject), formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to link staff %d to class %d: %w", link.StaffID, classID, err)
		}
	}
	return nil
}

// ListClassStaffIDs returns the local staff row ids linked to a class.
func (s *Store) ListClassStaffIDs(ctx context.Context, q DBTX, classID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT staff_id FROM class_staff WHERE class_unit_id = ? ORDER BY staff_id`, classID)
	if err != nil {
		return nil, fmt.Errorf("failed to list class staff: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan class staff id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating class staff: %w", err)
	}
	return out, nil
}

func scanClassUnit(sc scanner) (*ClassUnit, error) {
	var (
		cu                     ClassUnit
		schoolID, classLevelID sql.NullInt64
		parallel, literal      sql.NullString
		createdAt, updatedAt   string
	)

	if err := sc.Scan(&cu.ID, &schoolID, &classLevelID, &cu.Name, &parallel, &literal, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	cu.SchoolID = nullToInt64(schoolID)
	cu.ClassLevelID = nullToInt64(classLevelID)
	cu.Parallel = nullToString(parallel)
	cu.Literal = nullToString(literal)

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		cu.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		cu.UpdatedAt = t
	}
	return &cu, nil
}
