// Package mosapi is a thin client for the school directory API: a TTL
// request cache, a paginated fetcher with bounded retries, and typed
// record decoding at the boundary.
package mosapi

import (
	"encoding/json"
	"fmt"
	"time"
)

// UserInfo is the nested account block attached to a staff record.
type UserInfo struct {
	LastName    string `json:"last_name"`
	FirstName   string `json:"first_name"`
	MiddleName  string `json:"middle_name"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
	EmailEZD    string `json:"email_ezd"`
}

// StaffRecord is one staff profile as the directory returns it. UserID == 0
// means the profile has no account and is excluded from sync.
type StaffRecord struct {
	ID                int64    `json:"id"`
	UserID            int64    `json:"user_id"`
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	UpdatedAt         string   `json:"updated_at"`
	UserIntegrationID int64    `json:"user_integration_id"`
	User              UserInfo `json:"user"`
}

// ClassUnitRecord is one class as returned by the class_units endpoint.
type ClassUnitRecord struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	SchoolID     int64   `json:"school_id"`
	ClassLevelID int64   `json:"class_level_id"`
	MentorIDs    []int64 `json:"mentor_ids"`
}

// ParentRecord is one parent/guardian embedded in a student record.
type ParentRecord struct {
	PersonID    int64  `json:"person_id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
}

// StudentRecord is one student profile, parents inlined.
type StudentRecord struct {
	PersonID    int64          `json:"person_id"`
	UserName    string         `json:"user_name"`
	LastName    string         `json:"last_name"`
	FirstName   string         `json:"first_name"`
	MiddleName  string         `json:"middle_name"`
	PhoneNumber string         `json:"phone_number"`
	EmailEZD    string         `json:"email_ezd"`
	Parents     []ParentRecord `json:"parents"`
}

// DecodeStaff parses a single raw page element into a StaffRecord.
// Non-object elements come back as an error so the caller can count them.
func DecodeStaff(raw json.RawMessage) (*StaffRecord, error) {
	var rec StaffRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode staff record: %w", err)
	}
	return &rec, nil
}

// DecodeStudent parses a single raw page element into a StudentRecord.
func DecodeStudent(raw json.RawMessage) (*StudentRecord, error) {
	var rec StudentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode student record: %w", err)
	}
	return &rec, nil
}

// DecodeClassUnits parses the class_units payload. The endpoint sometimes
// returns bare numeric ids instead of objects; those get a synthetic
// "Class_<id>" name so downstream processing stays uniform.
func DecodeClassUnits(raw []json.RawMessage) ([]ClassUnitRecord, error) {
	out := make([]ClassUnitRecord, 0, len(raw))
	for _, elem := range raw {
		var rec ClassUnitRecord
		if err := json.Unmarshal(elem, &rec); err == nil {
			if rec.ID == 0 {
				continue
			}
			if rec.Name == "" {
				rec.Name = fmt.Sprintf("Class_%d", rec.ID)
			}
			out = append(out, rec)
			continue
		}

		var id int64
		if err := json.Unmarshal(elem, &id); err != nil {
			return nil, fmt.Errorf("failed to decode class unit: %w", err)
		}
		out = append(out, ClassUnitRecord{ID: id, Name: fmt.Sprintf("Class_%d", id)})
	}
	return out, nil
}

// apiTimeLayouts are the date shapes the directory has been seen emitting
// for updated_at, tried in order.
var apiTimeLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseAPITime parses an updated_at value. Unparseable or empty input
// yields nil; the field is informational only.
func ParseAPITime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range apiTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
