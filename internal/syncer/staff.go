package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/edtools/schoolsync/internal/identity"
	"github.com/edtools/schoolsync/internal/mosapi"
	"github.com/edtools/schoolsync/internal/normalize"
	"github.com/edtools/schoolsync/internal/store"
)

// SyncStaff reconciles the school's full staff list. Each page commits as
// one unit; a record that fails inside a page rolls back alone. Deactivation
// of rows absent from the run happens only after every page arrived — an
// aborted fetch must never deactivate anyone.
func (e *Engine) SyncStaff(ctx context.Context) (Stats, error) {
	var stats Stats
	seen := make(map[int64]struct{})

	e.log.Info("staff sync started")

	err := e.api.StaffPages(ctx, e.schoolID, func(page int, records []json.RawMessage) error {
		return e.store.RunPage(ctx, func(p *store.Page) error {
			pageStats := e.processStaffPage(ctx, p, records, seen)
			stats.Add(pageStats)
			e.log.WithFields(logrus.Fields{
				"page":       page,
				"saved":      pageStats.Saved,
				"no_user_id": pageStats.NoUserID,
				"errors":     pageStats.Errors,
			}).Info("staff page processed")
			return nil
		})
	})
	if err != nil {
		return stats, fmt.Errorf("staff fetch incomplete: %w", err)
	}

	// Cross-page cleanup commits as its own unit: the main reconciliation
	// sweep plus the data-quality guard against rows lacking a user id.
	err = e.store.RunPage(ctx, func(p *store.Page) error {
		now := e.now()
		q := p.Querier()

		n, err := e.store.DeactivateStaffNotSeen(ctx, q, seen, now)
		if err != nil {
			return fmt.Errorf("failed to deactivate absent staff: %w", err)
		}
		m, err := e.store.DeactivateStaffWithoutUserID(ctx, q, now)
		if err != nil {
			return fmt.Errorf("failed to deactivate staff without user id: %w", err)
		}
		stats.Deactivated = n + m
		return nil
	})
	if err != nil {
		return stats, err
	}

	e.log.WithFields(logrus.Fields{
		"saved":       stats.Saved,
		"skipped":     stats.Skipped,
		"no_user_id":  stats.NoUserID,
		"duplicates":  stats.Duplicates,
		"errors":      stats.Errors,
		"deactivated": stats.Deactivated,
	}).Info("staff sync finished")

	return stats, nil
}

// processStaffPage handles one page's records inside the page transaction:
// pre-load the page's existing rows in one lookup, partition into updates
// (applied per record under savepoints) and creates (applied as one bulk
// insert at the end of the page).
func (e *Engine) processStaffPage(ctx context.Context, p *store.Page, records []json.RawMessage, seen map[int64]struct{}) Stats {
	var stats Stats
	stats.Loaded = len(records)

	valid := make([]*mosapi.StaffRecord, 0, len(records))
	pageIDs := make([]int64, 0, len(records))
	for _, raw := range records {
		rec, err := mosapi.DecodeStaff(raw)
		if err != nil {
			e.log.WithError(err).Warn("malformed staff record")
			stats.Errors++
			continue
		}
		if rec.ID == 0 {
			stats.Skipped++
			continue
		}
		if rec.UserID == 0 {
			e.log.WithField("person_id", rec.ID).Debug("staff record without user id")
			stats.NoUserID++
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			e.log.WithField("person_id", rec.ID).Warn("duplicate staff id in fetch")
			stats.Duplicates++
			continue
		}
		if normalize.SuspiciousName(rec.Name) {
			e.log.WithField("name", rec.Name).Debug("skipping staff with placeholder name")
			stats.Skipped++
			continue
		}
		valid = append(valid, rec)
		pageIDs = append(pageIDs, rec.ID)
		seen[rec.ID] = struct{}{}
	}

	existing, err := e.store.ListStaffByPersonIDs(ctx, p.Querier(), pageIDs)
	if err != nil {
		e.log.WithError(err).Error("failed to preload staff rows, skipping page")
		stats.Errors += len(valid)
		for _, rec := range valid {
			delete(seen, rec.ID)
		}
		return stats
	}

	var creates []*store.Staff
	for _, rec := range valid {
		prev, known := existing[rec.ID]
		if !known {
			creates = append(creates, e.newStaffRow(ctx, rec))
			continue
		}

		if err := p.RunRecord(ctx, func(q store.DBTX) error {
			e.mergeStaffRow(ctx, prev, rec)
			return e.store.UpdateStaff(ctx, q, prev)
		}); err != nil {
			e.log.WithField("person_id", rec.ID).WithError(err).Error("failed to update staff record")
			delete(seen, rec.ID)
			stats.Errors++
			continue
		}
		stats.Saved++
	}

	if len(creates) > 0 {
		if err := p.RunRecord(ctx, func(q store.DBTX) error {
			return e.store.InsertStaffBatch(ctx, q, creates)
		}); err != nil {
			e.log.WithError(err).Error("failed to insert staff batch")
			for _, st := range creates {
				delete(seen, st.PersonID)
			}
			stats.Errors += len(creates)
		} else {
			for _, st := range creates {
				e.log.WithFields(logrus.Fields{"person_id": st.PersonID, "name": st.Name}).Info("staff added")
			}
			stats.Saved += len(creates)
		}
	}

	return stats
}

// newStaffRow builds an insert-ready row from a remote record. Identity
// resolution is best-effort and never blocks the upsert.
func (e *Engine) newStaffRow(ctx context.Context, rec *mosapi.StaffRecord) *store.Staff {
	now := e.now()
	last, first, middle, email, phone := staffFields(rec)

	var extID, extLink string
	if rec.UserIntegrationID != 0 {
		extID, extLink = e.resolveIdentity(ctx, identity.Ref{StaffID: rec.UserIntegrationID})
	}

	return &store.Staff{
		PersonID:     rec.ID,
		UserID:       rec.UserID,
		ExternalID:   extID,
		ExternalLink: extLink,
		Name:         rec.Name,
		LastName:     last,
		FirstName:    first,
		MiddleName:   middle,
		Email:        email,
		Phone:        phone,
		Type:         rec.Type,
		UpdatedAtAPI: mosapi.ParseAPITime(rec.UpdatedAt),
		IsActive:     true,
		LastSeenAt:   &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// mergeStaffRow folds a remote sighting into an existing row.
func (e *Engine) mergeStaffRow(ctx context.Context, existing *store.Staff, rec *mosapi.StaffRecord) {
	now := e.now()
	last, first, middle, email, phone := staffFields(rec)

	var extID, extLink string
	if rec.UserIntegrationID != 0 {
		extID, extLink = e.resolveIdentity(ctx, identity.Ref{StaffID: rec.UserIntegrationID})
	}

	existing.UserID = rec.UserID
	existing.Name = firstNonEmpty(rec.Name, existing.Name)
	existing.LastName = firstNonEmpty(last, existing.LastName)
	existing.FirstName = firstNonEmpty(first, existing.FirstName)
	existing.MiddleName = firstNonEmpty(middle, existing.MiddleName)
	existing.Email = firstNonEmpty(email, existing.Email)
	existing.Phone = firstNonEmpty(phone, existing.Phone)
	existing.Type = firstNonEmpty(rec.Type, existing.Type)
	existing.ExternalID = firstNonEmpty(extID, existing.ExternalID)
	existing.ExternalLink = firstNonEmpty(extLink, existing.ExternalLink)
	if t := mosapi.ParseAPITime(rec.UpdatedAt); t != nil {
		existing.UpdatedAtAPI = t
	}

	// A sighting unconditionally reactivates.
	existing.IsActive = true
	existing.DeactivatedAt = nil
	existing.LastSeenAt = &now
	existing.UpdatedAt = now
}

// staffFields normalizes the contact and name fields of a staff record,
// falling back to splitting the full name and to the secondary email.
func staffFields(rec *mosapi.StaffRecord) (last, first, middle, email, phone string) {
	last, first, middle = rec.User.LastName, rec.User.FirstName, rec.User.MiddleName
	if last == "" && rec.Name != "" {
		last, first, middle = normalize.SplitName(rec.Name)
	}

	phone = normalize.Phone(rec.User.PhoneNumber)
	email = normalize.Email(rec.User.Email)
	if email == "" {
		email = normalize.Email(rec.User.EmailEZD)
	}
	return last, first, middle, email, phone
}
