// Package uuid issues batch and job ids. Ids are UUIDv7 so they sort by
// creation time in logs, export paths and the scan_runs table.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/pricescan/internal/scan"
)

var _ scan.IDGenerator = Generator{}

// Generator implements scan.IDGenerator.
type Generator struct{}

// New returns a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a fresh UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new batch id: %w", err)
	}
	return id.String(), nil
}
