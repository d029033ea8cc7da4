package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheTimeBug/employee-directory/server"
)

type failingCloser struct {
	written  []byte
	writeErr error
	closeErr error
	closed   bool
}

func (f *failingCloser) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *failingCloser) Close() error {
	f.closed = true
	return f.closeErr
}

func TestWriteAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "employees.json")
	f, err := os.Create(path)
	require.NoError(t, err)

	employees := []*server.Employee{{EmployeeID: "e1", Email: "ada@example.com"}}
	require.NoError(t, writeAndClose(f, path, employees))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"employee_id": "e1"`)
}

func TestWriteAndClose_CloseError(t *testing.T) {
	closeErr := errors.New("disk full")
	wc := &failingCloser{closeErr: closeErr}

	err := writeAndClose(wc, "out.json", []string{})
	assert.ErrorIs(t, err, closeErr)
	assert.Contains(t, err.Error(), "failed to close out.json")
	assert.NotEmpty(t, wc.written)
}

func TestWriteAndClose_WriteError(t *testing.T) {
	writeErr := errors.New("broken pipe")
	wc := &failingCloser{writeErr: writeErr}

	err := writeAndClose(wc, "out.json", []string{})
	assert.ErrorIs(t, err, writeErr)
	assert.True(t, wc.closed)
}
