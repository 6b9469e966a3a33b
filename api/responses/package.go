// Package responses renders the public {success, data, meta} envelope and
// RFC 7807 problem details for failures.
package responses
