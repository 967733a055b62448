package store

import "time"

// Staff is a mirrored staff member. PersonID is the upstream correlation
// key; ID is the local row id used only for relations.
type Staff struct {
	ID       int64
	PersonID int64
	UserID   int64 // 0 = absent upstream

	ExternalID   string
	ExternalLink string

	Name       string
	LastName   string
	FirstName  string
	MiddleName string

	Email string
	Phone string
	Type  string

	UpdatedAtAPI *time.Time

	IsActive      bool
	DeactivatedAt *time.Time
	LastSeenAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClassUnit is a mirrored class. Its upstream id doubles as the local key.
// Class rows accumulate: the sync engine never deactivates them.
type ClassUnit struct {
	ID           int64
	SchoolID     int64
	ClassLevelID int64
	Name         string
	Parallel     string
	Literal      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Student is a mirrored student. A student belongs to exactly one class at a
// time; moving classes updates ClassUnitID in place.
type Student struct {
	ID       int64
	PersonID int64
	UserName string

	ExternalID   string
	ExternalLink string

	LastName   string
	FirstName  string
	MiddleName string

	Email string
	Phone string

	ClassUnitID int64

	IsActive      bool
	DeactivatedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Parent is a mirrored parent/guardian, many-to-many with students.
type Parent struct {
	ID       int64
	PersonID int64

	ExternalID   string
	ExternalLink string

	Name       string
	LastName   string
	FirstName  string
	MiddleName string

	Email string
	Phone string

	IsActive      bool
	DeactivatedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClassStaffLink is one class↔staff assignment to be rebuilt wholesale for a
// class on every sighting.
type ClassStaffLink struct {
	StaffID  int64 // local staff row id
	IsLeader bool
	Subject  string
}
