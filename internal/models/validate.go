package models

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize fills SourceID from the legacy "identifier" key and trims it.
func (b *Batch) Normalize() {
	if strings.TrimSpace(b.SourceID) == "" {
		b.SourceID = b.LegacyIdentifier
	}
	b.SourceID = strings.TrimSpace(b.SourceID)
}

// Validate checks the envelope only. Subsystem keys and measurement text are
// not validated here: unknown subsystems are ignored and malformed text is
// dropped by the parsers.
func (b *Batch) Validate() error {
	return validate.Struct(b)
}
