package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edtools/schoolsync/internal/identity"
	"github.com/edtools/schoolsync/internal/mosapi"
	"github.com/edtools/schoolsync/internal/normalize"
	"github.com/edtools/schoolsync/internal/store"
)

// SyncStudents reconciles one class: upserts its students, upserts each
// student's parents inline, links the pairs, and deactivates students of
// this class absent from the fetch. The whole class commits as one unit.
func (e *Engine) SyncStudents(ctx context.Context, classUnitID int64) (ClassReport, error) {
	var rep ClassReport

	log := e.log.WithField("class_id", classUnitID)
	log.Info("class students sync started")

	records, err := e.api.ClassStudents(ctx, classUnitID)
	if err != nil {
		return rep, fmt.Errorf("students fetch failed for class %d: %w", classUnitID, err)
	}
	rep.Students.Loaded = len(records)

	seen := make(map[int64]struct{})

	err = e.store.RunPage(ctx, func(p *store.Page) error {
		for _, raw := range records {
			rec, err := mosapi.DecodeStudent(raw)
			if err != nil {
				log.WithError(err).Warn("malformed student record")
				rep.Students.Errors++
				continue
			}
			if rec.PersonID == 0 {
				rep.Students.Skipped++
				continue
			}
			if _, dup := seen[rec.PersonID]; dup {
				rep.Students.Duplicates++
				continue
			}

			// Parent counters apply only when the record's savepoint holds;
			// a rolled-back record must not leave phantom counts behind.
			var parents Stats
			var links int
			if err := p.RunRecord(ctx, func(q store.DBTX) error {
				var err error
				parents, links, err = e.upsertStudent(ctx, q, rec, classUnitID)
				return err
			}); err != nil {
				log.WithField("person_id", rec.PersonID).WithError(err).Error("failed to save student")
				rep.Students.Errors++
				continue
			}

			seen[rec.PersonID] = struct{}{}
			rep.Students.Saved++
			rep.Parents.Add(parents)
			rep.LinksCreated += links

			// Pacing between records keeps the identity lookups under the
			// dependent service's limits.
			if rep.Students.Saved%10 == 0 {
				e.sleep(2 * time.Second)
			}
		}

		// Scope-local deactivation, guarded against an empty payload wiping
		// a whole class.
		if len(seen) > 0 {
			n, err := e.store.DeactivateStudentsNotSeen(ctx, p.Querier(), classUnitID, seen, e.now())
			if err != nil {
				return fmt.Errorf("failed to deactivate absent students: %w", err)
			}
			rep.Students.Deactivated = n
		}
		return nil
	})
	if err != nil {
		return rep, err
	}

	log.WithFields(logrus.Fields{
		"saved":       rep.Students.Saved,
		"deactivated": rep.Students.Deactivated,
		"parents":     rep.Parents.Saved,
		"links":       rep.LinksCreated,
	}).Info("class students sync finished")

	return rep, nil
}

// upsertStudent saves one student and its inline parents. The parent
// counters and created-link count are returned rather than applied, so the
// caller can discard them if the surrounding savepoint rolls back.
func (e *Engine) upsertStudent(ctx context.Context, q store.DBTX, rec *mosapi.StudentRecord, classUnitID int64) (Stats, int, error) {
	var parents Stats
	var links int
	now := e.now()

	phone := normalize.Phone(rec.PhoneNumber)
	email := normalize.Email(rec.EmailEZD)
	extID, extLink := e.resolveIdentity(ctx, identity.Ref{PersonID: rec.PersonID})

	student, err := e.store.GetStudentByPersonID(ctx, q, rec.PersonID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		student = &store.Student{
			PersonID:     rec.PersonID,
			UserName:     rec.UserName,
			ExternalID:   extID,
			ExternalLink: extLink,
			LastName:     rec.LastName,
			FirstName:    rec.FirstName,
			MiddleName:   rec.MiddleName,
			Email:        email,
			Phone:        phone,
			ClassUnitID:  classUnitID,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.store.InsertStudent(ctx, q, student); err != nil {
			return parents, links, err
		}
	case err != nil:
		return parents, links, err
	default:
		student.UserName = firstNonEmpty(rec.UserName, student.UserName)
		student.LastName = firstNonEmpty(rec.LastName, student.LastName)
		student.FirstName = firstNonEmpty(rec.FirstName, student.FirstName)
		student.MiddleName = firstNonEmpty(rec.MiddleName, student.MiddleName)
		student.Email = firstNonEmpty(email, student.Email)
		student.Phone = firstNonEmpty(phone, student.Phone)
		student.ExternalID = firstNonEmpty(extID, student.ExternalID)
		student.ExternalLink = firstNonEmpty(extLink, student.ExternalLink)
		// Moving classes updates the membership in place.
		student.ClassUnitID = classUnitID
		student.IsActive = true
		student.DeactivatedAt = nil
		student.UpdatedAt = now
		if err := e.store.UpdateStudent(ctx, q, student); err != nil {
			return parents, links, err
		}
	}

	for i := range rec.Parents {
		parent, err := e.upsertParent(ctx, q, &rec.Parents[i])
		if err != nil {
			e.log.WithField("person_id", rec.Parents[i].PersonID).WithError(err).Warn("failed to save parent")
			parents.Errors++
			continue
		}
		if parent == nil {
			parents.Skipped++
			continue
		}

		created, err := e.store.LinkParentStudent(ctx, q, parent.ID, student.ID, now)
		if err != nil {
			return parents, links, err
		}
		parents.Saved++
		if created {
			links++
		}
	}

	return parents, links, nil
}

// upsertParent creates or updates one parent row. A record without a person
// id is skipped (nil, nil).
func (e *Engine) upsertParent(ctx context.Context, q store.DBTX, rec *mosapi.ParentRecord) (*store.Parent, error) {
	if rec.PersonID == 0 {
		return nil, nil
	}

	now := e.now()
	phone := normalize.Phone(rec.PhoneNumber)
	email := normalize.Email(rec.Email)
	last, first, middle := normalize.SplitName(rec.Name)
	extID, extLink := e.resolveIdentity(ctx, identity.Ref{PersonID: rec.PersonID})

	parent, err := e.store.GetParentByPersonID(ctx, q, rec.PersonID)
	if errors.Is(err, store.ErrNotFound) {
		parent = &store.Parent{
			PersonID:     rec.PersonID,
			ExternalID:   extID,
			ExternalLink: extLink,
			Name:         rec.Name,
			LastName:     last,
			FirstName:    first,
			MiddleName:   middle,
			Email:        email,
			Phone:        phone,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.store.InsertParent(ctx, q, parent); err != nil {
			return nil, err
		}
		return parent, nil
	}
	if err != nil {
		return nil, err
	}

	parent.Name = firstNonEmpty(rec.Name, parent.Name)
	parent.LastName = firstNonEmpty(last, parent.LastName)
	parent.FirstName = firstNonEmpty(first, parent.FirstName)
	parent.MiddleName = firstNonEmpty(middle, parent.MiddleName)
	parent.Email = firstNonEmpty(email, parent.Email)
	parent.Phone = firstNonEmpty(phone, parent.Phone)
	parent.ExternalID = firstNonEmpty(extID, parent.ExternalID)
	parent.ExternalLink = firstNonEmpty(extLink, parent.ExternalLink)
	parent.IsActive = true
	parent.DeactivatedAt = nil
	parent.UpdatedAt = now

	if err := e.store.UpdateParent(ctx, q, parent); err != nil {
		return nil, err
	}
	return parent, nil
}
