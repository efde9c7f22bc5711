// Package validation checks identifiers and entity fields with
// go-playground/validator rules extended by corefacility tags:
//
//	slug      letters, digits, '-' and '_'
//	unixname  a POSIX user or group name
//
// Failures are reported as errdefs field errors so that they surface as
// entity_field_invalid in the HTTP envelope.
package validation
