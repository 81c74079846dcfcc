// Package parser turns free-form model text into typed phase outputs and
// scores how much of the expected structure is present.
//
// Parsing never fails. Malformed or partial text produces a best-effort
// output and a ValidationResult listing what is wrong, so callers can decide
// whether to retry.
//
// Model output is expected to use labelled sections:
//
//	SUMMARY: one line or a paragraph
//	REQUIREMENTS:
//	- first
//	- second
//
// Labels are case-insensitive and may carry markdown heading or bold markers.
package parser
