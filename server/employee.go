package server

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the sortable form used for created_at and updated_at.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Employee is the flat record persisted in the record store. Every attribute
// is a string and the empty string marks an absent optional value.
type Employee struct {
	EmployeeID        string `json:"employee_id" bson:"employee_id" msgpack:"employee_id"`
	FirstName         string `json:"first_name" bson:"first_name" msgpack:"first_name"`
	LastName          string `json:"last_name" bson:"last_name" msgpack:"last_name"`
	Email             string `json:"email" bson:"email" msgpack:"email"`
	Position          string `json:"position" bson:"position" msgpack:"position"`
	Department        string `json:"department" bson:"department" msgpack:"department"`
	Phone             string `json:"phone" bson:"phone" msgpack:"phone"`
	HireDate          string `json:"hire_date" bson:"hire_date" msgpack:"hire_date"`
	ProfilePictureURL string `json:"profile_picture_url" bson:"profile_picture_url" msgpack:"profile_picture_url"`
	CreatedAt         string `json:"created_at" bson:"created_at" msgpack:"created_at"`
	UpdatedAt         string `json:"updated_at" bson:"updated_at" msgpack:"updated_at"`
}

// NewEmployeeID returns a fresh opaque employee identifier.
func NewEmployeeID() string {
	return uuid.NewString()
}

// FullName returns "first last".
func (e *Employee) FullName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// Clone returns a copy that can be mutated without affecting e.
func (e *Employee) Clone() *Employee {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Attribute returns the value of a flat attribute by its wire name.
func (e *Employee) Attribute(name string) (string, bool) {
	switch name {
	case "employee_id":
		return e.EmployeeID, true
	case "first_name":
		return e.FirstName, true
	case "last_name":
		return e.LastName, true
	case "email":
		return e.Email, true
	case "position":
		return e.Position, true
	case "department":
		return e.Department, true
	case "phone":
		return e.Phone, true
	case "hire_date":
		return e.HireDate, true
	case "profile_picture_url":
		return e.ProfilePictureURL, true
	case "created_at":
		return e.CreatedAt, true
	case "updated_at":
		return e.UpdatedAt, true
	}
	return "", false
}

// stamp sets both timestamps to now, replacing whatever the caller sent.
func (e *Employee) stamp(now time.Time) {
	ts := formatTimestamp(now)
	e.CreatedAt = ts
	e.UpdatedAt = ts
}

// Touch sets updated_at to now. The new value always sorts after the previous
// one, even when the clock has not moved past it.
func (e *Employee) Touch(now time.Time) {
	next := now.UTC()
	if prev, err := time.Parse(TimestampLayout, e.UpdatedAt); err == nil && !next.After(prev) {
		next = prev.Add(time.Microsecond)
	}
	e.UpdatedAt = formatTimestamp(next)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
