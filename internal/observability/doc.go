// Package observability builds the process logger and the structured fields
// shared by every layer that logs on behalf of a tenant.
package observability
