package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/edtools/schoolsync/internal/mosapi"
	"github.com/edtools/schoolsync/internal/store"
)

// SyncClasses replaces the known class list from a single full fetch and
// re-links mentors to classes. Class rows only accumulate; this stage never
// deactivates anything. Returns the ids of the classes seen so the caller
// can sync each class's students.
func (e *Engine) SyncClasses(ctx context.Context) ([]int64, Stats, error) {
	var stats Stats

	e.log.Info("class sync started")

	units, err := e.api.ClassUnits(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("class fetch failed: %w", err)
	}
	stats.Loaded = len(units)

	ids := make([]int64, 0, len(units))
	err = e.store.RunPage(ctx, func(p *store.Page) error {
		for i := range units {
			rec := &units[i]
			if err := p.RunRecord(ctx, func(q store.DBTX) error {
				return e.upsertClass(ctx, q, rec)
			}); err != nil {
				e.log.WithField("class_id", rec.ID).WithError(err).Error("failed to save class")
				stats.Errors++
				continue
			}
			ids = append(ids, rec.ID)
			stats.Saved++
		}
		return nil
	})
	if err != nil {
		return nil, stats, err
	}

	e.log.WithFields(logrus.Fields{"saved": stats.Saved, "errors": stats.Errors}).Info("class sync finished")
	return ids, stats, nil
}

func (e *Engine) upsertClass(ctx context.Context, q store.DBTX, rec *mosapi.ClassUnitRecord) error {
	now := e.now()
	parallel, literal := splitClassName(rec.Name)

	cu := &store.ClassUnit{
		ID:           rec.ID,
		SchoolID:     rec.SchoolID,
		ClassLevelID: rec.ClassLevelID,
		Name:         rec.Name,
		Parallel:     parallel,
		Literal:      literal,
	}
	if err := e.store.UpsertClassUnit(ctx, q, cu, now); err != nil {
		return err
	}

	// Mentor links are rebuilt wholesale from the current record. A record
	// carrying no mentors leaves existing links alone rather than wiping
	// them on a sparse payload.
	if len(rec.MentorIDs) == 0 {
		return nil
	}

	links := make([]store.ClassStaffLink, 0, len(rec.MentorIDs))
	for _, personID := range rec.MentorIDs {
		staffID, err := e.store.GetActiveStaffIDByPersonID(ctx, q, personID)
		if errors.Is(err, store.ErrNotFound) {
			e.log.WithFields(logrus.Fields{"class_id": rec.ID, "person_id": personID}).Debug("mentor not found among active staff")
			continue
		}
		if err != nil {
			return err
		}
		links = append(links, store.ClassStaffLink{StaffID: staffID, IsLeader: true})
	}

	return e.store.ReplaceClassStaff(ctx, q, rec.ID, links, now)
}

// splitClassName parses "<parallel>-<literal>" class names; names without a
// dash yield empty parts.
func splitClassName(name string) (parallel, literal string) {
	before, after, ok := strings.Cut(name, "-")
	if !ok {
		return "", ""
	}
	return before, after
}
