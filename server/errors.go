package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Error kinds returned by the stores and the directory. Lower-layer failures
// are always wrapped into one of these.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrDuplicateEmail = fmt.Errorf("duplicate email: %w", ErrAlreadyExists)
	ErrUnavailable    = errors.New("store unavailable")
)

// ValidationError carries every violated rule, in rule order.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// PartialFailure reports that the primary mutation of Op was committed but a
// follow-up step on the other store failed. Callers treat it as success with
// a warning.
type PartialFailure struct {
	Op  string
	Err error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("%s completed with warnings: %v", e.Op, e.Err)
}

func (e *PartialFailure) Unwrap() error {
	return e.Err
}

// IsPartial reports whether err is nil-equivalent for the caller: the
// operation succeeded, possibly with a warning.
func IsPartial(err error) bool {
	var pf *PartialFailure
	return errors.As(err, &pf)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// classifyAWSError maps SDK errors onto the error kinds. Conditional check
// failures are left to the caller since their meaning depends on the request.
func classifyAWSError(op string, err error) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case dynamodb.ErrCodeResourceNotFoundException, s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return fmt.Errorf("failed to %s: %w: %v", op, ErrNotFound, err)
		}
	}
	return fmt.Errorf("failed to %s: %w: %v", op, ErrUnavailable, err)
}

func isConditionalCheckFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}
