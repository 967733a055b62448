package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const parentColumns = `id, person_id, external_id, external_link,
	name, last_name, first_name, middle_name, email, phone,
	is_active, deactivated_at, created_at, updated_at`

// GetParentByPersonID looks up a parent row by its upstream id.
// Returns ErrNotFound when no row exists.
func (s *Store) GetParentByPersonID(ctx context.Context, q DBTX, personID int64) (*Parent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+parentColumns+` FROM parents WHERE person_id = ?`, personID)
	p, err := scanParent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parent %d: %w", personID, err)
	}
	return p, nil
}

// InsertParent creates a new parent row and fills in its local id.
func (s *Store) InsertParent(ctx context.Context, q DBTX, p *Parent) error {
	res, err := q.ExecContext(ctx, `
	INSERT INTO parents (
		person_id, external_id, external_link,
		name, last_name, first_name, middle_name, email, phone,
		is_active, deactivated_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PersonID,
		stringToNull(p.ExternalID),
		stringToNull(p.ExternalLink),
		stringToNull(p.Name),
		stringToNull(p.LastName),
		stringToNull(p.FirstName),
		stringToNull(p.MiddleName),
		stringToNull(p.Email),
		stringToNull(p.Phone),
		p.IsActive,
		timeToNullString(p.DeactivatedAt),
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert parent %d: %w", p.PersonID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read parent insert id: %w", err)
	}
	p.ID = id
	return nil
}

// UpdateParent overwrites a parent row by local id.
func (s *Store) UpdateParent(ctx context.Context, q DBTX, p *Parent) error {
	_, err := q.ExecContext(ctx, `
	UPDATE parents SET
		external_id = ?, external_link = ?,
		name = ?, last_name = ?, first_name = ?, middle_name = ?,
		email = ?, phone = ?,
		is_active = ?, deactivated_at = ?, updated_at = ?
	WHERE id = ?`,
		stringToNull(p.ExternalID),
		stringToNull(p.ExternalLink),
		stringToNull(p.Name),
		stringToNull(p.LastName),
		stringToNull(p.FirstName),
		stringToNull(p.MiddleName),
		stringToNull(p.Email),
		stringToNull(p.Phone),
		p.IsActive,
		timeToNullString(p.DeactivatedAt),
		formatTime(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update parent %d: %w", p.PersonID, err)
	}
	return nil
}

// LinkParentStudent establishes the parent↔student relation. Re-linking an
// existing pair is a no-op. Reports whether a new link was created.
func (s *Store) LinkParentStudent(ctx context.Context, q DBTX, parentID, studentID int64, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
	INSERT INTO parent_student (parent_id, student_id, created_at)
	VALUES (?, ?, ?)
	ON CONFLICT(parent_id, student_id) DO NOTHING`,
		parentID, studentID, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to link parent %d to student %d: %w", parentID, studentID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read link result: %w", err)
	}
	return affected > 0, nil
}

// ListStudentParentIDs returns the local parent row ids linked to a student.
func (s *Store) ListStudentParentIDs(ctx context.Context, q DBTX, studentID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT parent_id FROM parent_student WHERE student_id = ? ORDER BY parent_id`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list student parents: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan parent id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating student parents: %w", err)
	}
	return out, nil
}

func scanParent(sc scanner) (*Parent, error) {
	var (
		p                                     Parent
		extID, extLink                        sql.NullString
		name, lastName, firstName, middleName sql.NullString
		email, phone                          sql.NullString
		deactivatedAt                         sql.NullString
		createdAt, updatedAt                  string
	)

	if err := sc.Scan(
		&p.ID, &p.PersonID, &extID, &extLink,
		&name, &lastName, &firstName, &middleName, &email, &phone,
		&p.IsActive, &deactivatedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	p.ExternalID = nullToString(extID)
	p.ExternalLink = nullToString(extLink)
	p.Name = nullToString(name)
	p.LastName = nullToString(lastName)
	p.FirstName = nullToString(firstName)
	p.MiddleName = nullToString(middleName)
	p.Email = nullToString(email)
	p.Phone = nullToString(phone)
	p.DeactivatedAt = nullStringToTime(deactivatedAt)

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		p.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		p.UpdatedAt = t
	}
	return &p, nil
}
