package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validEmployee() *Employee {
	return &Employee{
		EmployeeID: "e1",
		FirstName:  "Grace",
		LastName:   "Hopper",
		Email:      "grace@example.com",
		Position:   "Rear Admiral",
		Department: "Navy",
	}
}

func TestValidate_Valid(t *testing.T) {
	ok, errs := Validate(validEmployee())
	assert.True(t, ok)
	assert.Empty(t, errs)

	e := validEmployee()
	e.FirstName = strings.Repeat("é", 50)
	e.Phone = strings.Repeat("1", 20)
	ok, errs = Validate(e)
	assert.True(t, ok, "%v", errs)
}

func TestValidate_SingleViolation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Employee)
		want   string
	}{
		{"missing id", func(e *Employee) { e.EmployeeID = "" }, "Employee ID is required"},
		{"blank first name", func(e *Employee) { e.FirstName = "   " }, "First name is required"},
		{"blank last name", func(e *Employee) { e.LastName = "" }, "Last name is required"},
		{"blank email", func(e *Employee) { e.Email = "\t" }, "Email is required"},
		{"email without at", func(e *Employee) { e.Email = "grace.example.com" }, "Invalid email format"},
		{"email without dot", func(e *Employee) { e.Email = "grace@example" }, "Invalid email format"},
		{"blank position", func(e *Employee) { e.Position = "" }, "Position is required"},
		{"blank department", func(e *Employee) { e.Department = " " }, "Department is required"},
		{"long first name", func(e *Employee) { e.FirstName = strings.Repeat("a", 51) }, "First name must be 50 characters or less"},
		{"long last name", func(e *Employee) { e.LastName = strings.Repeat("a", 51) }, "Last name must be 50 characters or less"},
		{"long email", func(e *Employee) { e.Email = strings.Repeat("a", 89) + "@example.com" }, "Email must be 100 characters or less"},
		{"long position", func(e *Employee) { e.Position = strings.Repeat("a", 101) }, "Position must be 100 characters or less"},
		{"long department", func(e *Employee) { e.Department = strings.Repeat("a", 51) }, "Department must be 50 characters or less"},
		{"long phone", func(e *Employee) { e.Phone = strings.Repeat("1", 21) }, "Phone number must be 20 characters or less"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEmployee()
			tt.mutate(e)
			ok, errs := Validate(e)
			assert.False(t, ok)
			assert.Equal(t, []string{tt.want}, errs)
		})
	}
}

func TestValidate_ReportsAllViolationsInOrder(t *testing.T) {
	ok, errs := Validate(&Employee{Phone: strings.Repeat("1", 25)})
	assert.False(t, ok)
	assert.Equal(t, []string{
		"Employee ID is required",
		"First name is required",
		"Last name is required",
		"Email is required",
		"Position is required",
		"Department is required",
		"Phone number must be 20 characters or less",
	}, errs)
}

func TestValidate_Nil(t *testing.T) {
	ok, errs := Validate(nil)
	if ok {
		t.Error("Expected nil employee to be invalid")
	}
	if len(errs) != 1 {
		t.Errorf("Expected 1 error, got %d", len(errs))
	}
}
