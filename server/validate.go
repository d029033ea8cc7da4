package server

import (
	"strings"
	"unicode/utf8"
)

const (
	maxNameLength       = 50
	maxEmailLength      = 100
	maxPositionLength   = 100
	maxDepartmentLength = 50
	maxPhoneLength      = 20
)

// Validate checks the shape of an employee record. It reports every violated
// rule, not just the first. The email check is syntactic only.
func Validate(e *Employee) (bool, []string) {
	if e == nil {
		return false, []string{"Employee record is required"}
	}

	var errs []string

	if e.EmployeeID == "" {
		errs = append(errs, "Employee ID is required")
	}
	if blank(e.FirstName) {
		errs = append(errs, "First name is required")
	}
	if blank(e.LastName) {
		errs = append(errs, "Last name is required")
	}
	if blank(e.Email) {
		errs = append(errs, "Email is required")
	} else if !strings.Contains(e.Email, "@") || !strings.Contains(e.Email, ".") {
		errs = append(errs, "Invalid email format")
	}
	if blank(e.Position) {
		errs = append(errs, "Position is required")
	}
	if blank(e.Department) {
		errs = append(errs, "Department is required")
	}

	if utf8.RuneCountInString(e.FirstName) > maxNameLength {
		errs = append(errs, "First name must be 50 characters or less")
	}
	if utf8.RuneCountInString(e.LastName) > maxNameLength {
		errs = append(errs, "Last name must be 50 characters or less")
	}
	if utf8.RuneCountInString(e.Email) > maxEmailLength {
		errs = append(errs, "Email must be 100 characters or less")
	}
	if utf8.RuneCountInString(e.Position) > maxPositionLength {
		errs = append(errs, "Position must be 100 characters or less")
	}
	if utf8.RuneCountInString(e.Department) > maxDepartmentLength {
		errs = append(errs, "Department must be 50 characters or less")
	}
	if e.Phone != "" && utf8.RuneCountInString(e.Phone) > maxPhoneLength {
		errs = append(errs, "Phone number must be 20 characters or less")
	}

	return len(errs) == 0, errs
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
