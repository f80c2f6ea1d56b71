// Package id provides unique identifier generation for jobs.
package id

import (
	"github.com/google/uuid"
)

// Prefix is prepended to every job ID.
const Prefix = "job-"

// Generate creates a new unique job ID.
// Format: job-<uuid v7>, so IDs sort by creation time.
// Example: job-01920f3a-7b2c-7d4e-8f10-1a2b3c4d5e6f
func Generate() string {
	u, err := uuid.NewV7()
	if err != nil {
		// Fallback to a random v4 if the clock source fails
		return Prefix + uuid.NewString()
	}
	return Prefix + u.String()
}

// Valid reports whether s looks like an ID produced by Generate.
func Valid(s string) bool {
	if len(s) <= len(Prefix) || s[:len(Prefix)] != Prefix {
		return false
	}
	return uuid.Validate(s[len(Prefix):]) == nil
}
