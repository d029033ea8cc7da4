package server

import (
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const defaultDocumentType = "general"

var (
	pictureRemainder  = regexp.MustCompile(`^[0-9a-f]{32}(\.[^_/]*)?$`)
	documentRemainder = regexp.MustCompile(`^[^_/]+_[0-9a-f]{32}(\.[^_/]*)?$`)
)

// EmployeePrefix is the listing prefix for one employee's blobs.
func EmployeePrefix(category Category, employeeID string) string {
	return category.Prefix() + employeeID + "_"
}

// objectKey builds {prefix}{employeeID}_[{type}_]{hex32}{ext}.
func objectKey(category Category, employeeID, filename, documentType string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	ext := strings.ReplaceAll(strings.ToLower(filepath.Ext(filename)), "_", "-")
	if category == CategoryDocument {
		return EmployeePrefix(category, employeeID) + normalizeDocumentType(documentType) + "_" + suffix + ext
	}
	return EmployeePrefix(category, employeeID) + suffix + ext
}

func normalizeDocumentType(documentType string) string {
	t := strings.TrimSpace(documentType)
	if t == "" {
		return defaultDocumentType
	}
	return strings.NewReplacer("_", "-", "/", "-").Replace(t)
}

// OwnedBy accepts only keys laid out for exactly this employee, so that an id
// which happens to prefix another one ("a" and "a_b") never matches its blobs.
func OwnedBy(category Category, employeeID string) KeyFilter {
	prefix := EmployeePrefix(category, employeeID)
	pattern := pictureRemainder
	if category == CategoryDocument {
		pattern = documentRemainder
	}
	return func(key string) bool {
		rest, ok := strings.CutPrefix(key, prefix)
		return ok && pattern.MatchString(rest)
	}
}

// contentTypeFor guesses from the extension, defaulting to opaque binary.
func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
