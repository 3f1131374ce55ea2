// Package uuid generates export and task identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements export.IDGenerator with version 7 UUIDs, which sort
// by creation time and keep export listings in submission order.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a new identifier.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}
