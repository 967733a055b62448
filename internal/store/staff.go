package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const staffColumns = `id, person_id, user_id, external_id, external_link,
	name, last_name, first_name, middle_name, email, phone, type,
	updated_at_api, is_active, deactivated_at, last_seen_at, created_at, updated_at`

// GetStaffByPersonID looks up a staff row by its upstream id.
// Returns ErrNotFound when no row exists.
func (s *Store) GetStaffByPersonID(ctx context.Context, q DBTX, personID int64) (*Staff, error) {
	row := q.QueryRowContext(ctx, `SELECT `+staffColumns+` FROM staff WHERE person_id = ?`, personID)
	st, err := scanStaff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get staff %d: %w", personID, err)
	}
	return st, nil
}

// ListStaffByPersonIDs pre-loads existing rows for a batch of upstream ids in
// a single query. Missing ids are simply absent from the result map.
func (s *Store) ListStaffByPersonIDs(ctx context.Context, q DBTX, personIDs []int64) (map[int64]*Staff, error) {
	result := make(map[int64]*Staff, len(personIDs))
	if len(personIDs) == 0 {
		return result, nil
	}

	placeholders, args := inClause(personIDs)
	rows, err := q.QueryContext(ctx,
		`SELECT `+staffColumns+` FROM staff WHERE person_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list staff by person ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanStaff(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staff: %w", err)
		}
		result[st.PersonID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staff: %w", err)
	}
	return result, nil
}

// InsertStaff creates a new staff row and fills in its local id.
func (s *Store) InsertStaff(ctx context.Context, q DBTX, st *Staff) error {
	res, err := q.ExecContext(ctx, `
	INSERT INTO staff (
		person_id, user_id, external_id, external_link,
		name, last_name, first_name, middle_name, email, phone, type,
		updated_at_api, is_active, deactivated_at, last_seen_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.PersonID,
		int64ToNull(st.UserID),
		stringToNull(st.ExternalID),
		stringToNull(st.ExternalLink),
		stringToNull(st.Name),
		stringToNull(st.LastName),
		stringToNull(st.FirstName),
		stringToNull(st.MiddleName),
		stringToNull(st.Email),
		stringToNull(st.Phone),
		stringToNull(st.Type),
		timeToNullString(st.UpdatedAtAPI),
		st.IsActive,
		timeToNullString(st.DeactivatedAt),
		timeToNullString(st.LastSeenAt),
		formatTime(st.CreatedAt),
		formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert staff %d: %w", st.PersonID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read staff insert id: %w", err)
	}
	st.ID = id
	return nil
}

// InsertStaffBatch creates all rows in one multi-row insert. Used by the
// batch merge path to minimize round trips. Local ids are not filled in.
func (s *Store) InsertStaffBatch(ctx context.Context, q DBTX, batch []*Staff) error {
	if len(batch) == 0 {
		return nil
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`INSERT INTO staff (
		person_id, user_id, external_id, external_link,
		name, last_name, first_name, middle_name, email, phone, type,
		updated_at_api, is_active, deactivated_at, last_seen_at, created_at, updated_at
	) VALUES `)

	for i, st := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			st.PersonID,
			int64ToNull(st.UserID),
			stringToNull(st.ExternalID),
			stringToNull(st.ExternalLink),
			stringToNull(st.Name),
			stringToNull(st.LastName),
			stringToNull(st.FirstName),
			stringToNull(st.MiddleName),
			stringToNull(st.Email),
			stringToNull(st.Phone),
			stringToNull(st.Type),
			timeToNullString(st.UpdatedAtAPI),
			st.IsActive,
			timeToNullString(st.DeactivatedAt),
			timeToNullString(st.LastSeenAt),
			formatTime(st.CreatedAt),
			formatTime(st.UpdatedAt),
		)
	}

	if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to bulk insert %d staff: %w", len(batch), err)
	}
	return nil
}

// UpdateStaff overwrites a staff row by local id.
func (s *Store) UpdateStaff(ctx context.Context, q DBTX, st *Staff) error {
	_, err := q.ExecContext(ctx, `
	UPDATE staff SET
		user_id = ?, external_id = ?, external_link = ?,
		name = ?, last_name = ?, first_name = ?, middle_name = ?,
		email = ?, phone = ?, type = ?, updated_at_api = ?,
		is_active = ?, deactivated_at = ?, last_seen_at = ?, updated_at = ?
	WHERE id = ?`,
		int64ToNull(st.UserID),
		stringToNull(st.ExternalID),
		stringToNull(st.ExternalLink),
		stringToNull(st.Name),
		stringToNull(st.LastName),
		stringToNull(st.FirstName),
		stringToNull(st.MiddleName),
		stringToNull(st.Email),
		stringToNull(st.Phone),
		stringToNull(st.Type),
		timeToNullString(st.UpdatedAtAPI),
		st.IsActive,
		timeToNullString(st.DeactivatedAt),
		timeToNullString(st.LastSeenAt),
		formatTime(st.UpdatedAt),
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update staff %d: %w", st.PersonID, err)
	}
	return nil
}

// DeactivateStaffNotSeen flips is_active off for active staff whose person_id
// is absent from the current set. Returns the number of rows deactivated.
// The caller must only invoke this after a completed school-wide fetch.
func (s *Store) DeactivateStaffNotSeen(ctx context.Context, q DBTX, seen map[int64]struct{}, now time.Time) (int64, error) {
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	query := `UPDATE staff SET is_active = 0, deactivated_at = ?, updated_at = ? WHERE is_active = 1`
	args := []any{formatTime(now), formatTime(now)}

	if len(ids) > 0 {
		placeholders, inArgs := inClause(ids)
		query += ` AND person_id NOT IN (` + placeholders + `)`
		args = append(args, inArgs...)
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate missing staff: %w", err)
	}
	return res.RowsAffected()
}

// DeactivateStaffWithoutUserID flips is_active off for active staff missing a
// user_id. This is a data-quality sweep independent of current-set membership.
func (s *Store) DeactivateStaffWithoutUserID(ctx context.Context, q DBTX, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
	UPDATE staff SET is_active = 0, deactivated_at = ?, updated_at = ?
	WHERE is_active = 1 AND user_id IS NULL`,
		formatTime(now), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate staff without user_id: %w", err)
	}
	return res.RowsAffected()
}

// GetActiveStaffIDByPersonID resolves an upstream id to the local row id of
// an active staff member, for relation linking. Returns ErrNotFound when the
// staff member is unknown or inactive.
func (s *Store) GetActiveStaffIDByPersonID(ctx context.Context, q DBTX, personID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM staff WHERE person_id = ? AND is_active = 1`, personID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve active staff %d: %w", personID, err)
	}
	return id, nil
}

// FindStaffByName searches active staff by last, first or full name,
// case-insensitively.
func (s *Store) FindStaffByName(ctx context.Context, term string) ([]*Staff, error) {
	like := "%" + term + "%"
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+staffColumns+` FROM staff
	WHERE is_active = 1
	  AND (last_name LIKE ? COLLATE NOCASE
	    OR first_name LIKE ? COLLATE NOCASE
	    OR name LIKE ? COLLATE NOCASE)
	ORDER BY last_name, first_name`, like, like, like)
	if err != nil {
		return nil, fmt.Errorf("failed to search staff: %w", err)
	}
	defer rows.Close()

	return collectStaff(rows)
}

// ListInactiveStaff returns all deactivated staff, most recently deactivated
// first.
func (s *Store) ListInactiveStaff(ctx context.Context) ([]*Staff, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+staffColumns+` FROM staff
	WHERE is_active = 0
	ORDER BY deactivated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list inactive staff: %w", err)
	}
	defer rows.Close()

	return collectStaff(rows)
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanStaff(sc scanner) (*Staff, error) {
	var (
		st                                     Staff
		userID                                 sql.NullInt64
		extID, extLink                         sql.NullString
		name, lastName, firstName, middleName  sql.NullString
		email, phone, typ                      sql.NullString
		updatedAtAPI, deactivatedAt, lastSeen  sql.NullString
		createdAt, updatedAt                   string
	)

	if err := sc.Scan(
		&st.ID, &st.PersonID, &userID, &extID, &extLink,
		&name, &lastName, &firstName, &middleName, &email, &phone, &typ,
		&updatedAtAPI, &st.IsActive, &deactivatedAt, &lastSeen,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	st.UserID = nullToInt64(userID)
	st.ExternalID = nullToString(extID)
	st.ExternalLink = nullToString(extLink)
	st.Name = nullToString(name)
	st.LastName = nullToString(lastName)
	st.FirstName = nullToString(firstName)
	st.MiddleName = nullToString(middleName)
	st.Email = nullToString(email)
	st.Phone = nullToString(phone)
	st.Type = nullToString(typ)
	st.UpdatedAtAPI = nullStringToTime(updatedAtAPI)
	st.DeactivatedAt = nullStringToTime(deactivatedAt)
	st.LastSeenAt = nullStringToTime(lastSeen)

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		st.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		st.UpdatedAt = t
	}

	return &st, nil
}

func collectStaff(rows *sql.Rows) ([]*Staff, error) {
	var out []*Staff
	for rows.Next() {
		st, err := scanStaff(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staff: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staff: %w", err)
	}
	return out, nil
}

// inClause builds a "?, ?, ?" placeholder list plus its argument slice.
func inClause(ids []int64) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return placeholders, args
}
