// Package domain defines the core business types for the CRM engine.
//
// Types in this package are pure value objects with no behavior beyond
// validation helpers. They are the shared language between provider clients,
// repositories, the sync pipeline, and the API layer.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Constants and enums belong here
package domain
