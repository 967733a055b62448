package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const studentColumns = `id, person_id, user_name, external_id, external_link,
	last_name, first_name, middle_name, email, phone, class_unit_id,
	is_active, deactivated_at, created_at, updated_at`

// GetStudentByPersonID looks up a student row by its upstream id.
// Returns ErrNotFound when no row exists.
func (s *Store) GetStudentByPersonID(ctx context.Context, q DBTX, personID int64) (*Student, error) {
	row := q.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE person_id = ?`, personID)
	st, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student %d: %w", personID, err)
	}
	return st, nil
}

// InsertStudent creates a new student row and fills in its local id.
func (s *Store) InsertStudent(ctx context.Context, q DBTX, st *Student) error {
	res, err := q.ExecContext(ctx, `
	INSERT INTO students (
		person_id, user_name, external_id, external_link,
		last_name, first_name, middle_name, email, phone, class_unit_id,
		is_active, deactivated_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.PersonID,
		stringToNull(st.UserName),
		stringToNull(st.ExternalID),
		stringToNull(st.ExternalLink),
		st.LastName,
		st.FirstName,
		stringToNull(st.MiddleName),
		stringToNull(st.Email),
		stringToNull(st.Phone),
		int64ToNull(st.ClassUnitID),
		st.IsActive,
		timeToNullString(st.DeactivatedAt),
		formatTime(st.CreatedAt),
		formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert student %d: %w", st.PersonID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read student insert id: %w", err)
	}
	st.ID = id
	return nil
}

// UpdateStudent overwrites a student row by local id.
func (s *Store) UpdateStudent(ctx context.Context, q DBTX, st *Student) error {
	_, err := q.ExecContext(ctx, `
	UPDATE students SET
		user_name = ?, external_id = ?, external_link = ?,
		last_name = ?, first_name = ?, middle_name = ?,
		email = ?, phone = ?, class_unit_id = ?,
		is_active = ?, deactivated_at = ?, updated_at = ?
	WHERE id = ?`,
		stringToNull(st.UserName),
		stringToNull(st.ExternalID),
		stringToNull(st.ExternalLink),
		st.LastName,
		st.FirstName,
		stringToNull(st.MiddleName),
		stringToNull(st.Email),
		stringToNull(st.Phone),
		int64ToNull(st.ClassUnitID),
		st.IsActive,
		timeToNullString(st.DeactivatedAt),
		formatTime(st.UpdatedAt),
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update student %d: %w", st.PersonID, err)
	}
	return nil
}

// DeactivateStudentsNotSeen flips is_active off for active students of one
// class whose person_id is absent from the current set. The scope is the
// class, not the school: students of other classes are untouched.
func (s *Store) DeactivateStudentsNotSeen(ctx context.Context, q DBTX, classID int64, seen map[int64]struct{}, now time.Time) (int64, error) {
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	query := `UPDATE students SET is_active = 0, deactivated_at = ?, updated_at = ?
	WHERE class_unit_id = ? AND is_active = 1`
	args := []any{formatTime(now), formatTime(now), classID}

	if len(ids) > 0 {
		placeholders, inArgs := inClause(ids)
		query += ` AND person_id NOT IN (` + placeholders + `)`
		args = append(args, inArgs...)
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate missing students of class %d: %w", classID, err)
	}
	return res.RowsAffected()
}

func scanStudent(sc scanner) (*Student, error) {
	var (
		st                              Student
		userName, extID, extLink        sql.NullString
		middleName, email, phone        sql.NullString
		classUnitID                     sql.NullInt64
		deactivatedAt                   sql.NullString
		createdAt, updatedAt            string
	)

	if err := sc.Scan(
		&st.ID, &st.PersonID, &userName, &extID, &extLink,
		&st.LastName, &st.FirstName, &middleName, &email, &phone, &classUnitID,
		&st.IsActive, &deactivatedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	st.UserName = nullToString(userName)
	st.ExternalID = nullToString(extID)
	st.ExternalLink = nullToString(extLink)
	st.MiddleName = nullToString(middleName)
	st.Email = nullToString(email)
	st.Phone = nullToString(phone)
	st.ClassUnitID = nullToInt64(classUnitID)
	st.DeactivatedAt = nullStringToTime(deactivatedAt)

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		st.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		st.UpdatedAt = t
	}
	return &st, nil
}
