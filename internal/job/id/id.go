// Package id provides unique identifier generation for jobs.
package id

import "github.com/google/uuid"

// Prefix starts every generated job id.
const Prefix = "job-"

// Generate creates a new unique job ID.
// Format: job-<uuid v4>
// Example: job-9b2f0c4e-6a1d-4a53-8f0e-2d7c5b1a9e34
func Generate() string {
	return Prefix + uuid.NewString()
}

// Valid reports whether s looks like an id produced by Generate.
func Valid(s string) bool {
	if len(s) <= len(Prefix) || s[:len(Prefix)] != Prefix {
		return false
	}
	_, err := uuid.Parse(s[len(Prefix):])
	return err == nil
}
