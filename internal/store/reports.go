package store

import (
	"context"
	"fmt"
)

// StaffStats summarizes the staff mirror for the stats report.
type StaffStats struct {
	Total          int
	Active         int
	Deactivated    int
	ByType         map[string]int
	WithPhone      int
	WithEmail      int
	WithExternalID int
}

// Totals summarizes every entity type in the mirror.
type Totals struct {
	Classes        int
	StudentsActive int
	StudentsTotal  int
	ParentsActive  int
	ParentsTotal   int
	StaffActive    int
	StaffTotal     int
}

// ProblemCounts flags staff rows with data-quality issues.
type ProblemCounts struct {
	NoUserID   int
	NoName     int
	NoContacts int
}

// StaffStatistics computes the staff summary.
func (s *Store) StaffStatistics(ctx context.Context) (*StaffStats, error) {
	stats := &StaffStats{ByType: make(map[string]int)}

	counts := []struct {
		dst   *int
		query string
	}{
		{&stats.Total, `SELECT COUNT(*) FROM staff`},
		{&stats.Active, `SELECT COUNT(*) FROM staff WHERE is_active = 1`},
		{&stats.WithPhone, `SELECT COUNT(*) FROM staff WHERE is_active = 1 AND phone IS NOT NULL`},
		{&stats.WithEmail, `SELECT COUNT(*) FROM staff WHERE is_active = 1 AND email IS NOT NULL`},
		{&stats.WithExternalID, `SELECT COUNT(*) FROM staff WHERE is_active = 1 AND external_id IS NOT NULL`},
	}
	for _, c := range counts {
		if err := s.conn.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count staff: %w", err)
		}
	}
	stats.Deactivated = stats.Total - stats.Active

	rows, err := s.conn.QueryContext(ctx, `
	SELECT type, COUNT(*) FROM staff
	WHERE is_active = 1 AND type IS NOT NULL
	GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count staff by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("failed to scan staff type count: %w", err)
		}
		stats.ByType[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staff type counts: %w", err)
	}

	return stats, nil
}

// EntityTotals computes the global mirror counts.
func (s *Store) EntityTotals(ctx context.Context) (*Totals, error) {
	t := &Totals{}
	counts := []struct {
		dst   *int
		query string
	}{
		{&t.Classes, `SELECT COUNT(*) FROM class_units`},
		{&t.StudentsActive, `SELECT COUNT(*) FROM students WHERE is_active = 1`},
		{&t.StudentsTotal, `SELECT COUNT(*) FROM students`},
		{&t.ParentsActive, `SELECT COUNT(*) FROM parents WHERE is_active = 1`},
		{&t.ParentsTotal, `SELECT COUNT(*) FROM parents`},
		{&t.StaffActive, `SELECT COUNT(*) FROM staff WHERE is_active = 1`},
		{&t.StaffTotal, `SELECT COUNT(*) FROM staff`},
	}
	for _, c := range counts {
		if err := s.conn.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count entities: %w", err)
		}
	}
	return t, nil
}

// StaffProblems counts data-quality issues across all staff rows.
func (s *Store) StaffProblems(ctx context.Context) (*ProblemCounts, error) {
	p := &ProblemCounts{}
	counts := []struct {
		dst   *int
		query string
	}{
		{&p.NoUserID, `SELECT COUNT(*) FROM staff WHERE user_id IS NULL`},
		{&p.NoName, `SELECT COUNT(*) FROM staff WHERE name IS NULL OR name = ''`},
		{&p.NoContacts, `SELECT COUNT(*) FROM staff WHERE phone IS NULL AND email IS NULL`},
	}
	for _, c := range counts {
		if err := s.conn.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count staff problems: %w", err)
		}
	}
	return p, nil
}

// ListStaffWithoutUserID returns up to limit staff rows missing a user_id,
// for the problems report examples.
func (s *Store) ListStaffWithoutUserID(ctx context.Context, limit int) ([]*Staff, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+staffColumns+` FROM staff WHERE user_id IS NULL LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list staff without user_id: %w", err)
	}
	defer rows.Close()

	return collectStaff(rows)
}
