// Package httputil holds the JSON response helpers shared by the API
// handlers, including the mapping from classified domain errors to HTTP
// status codes. Handlers go through these instead of raw ResponseWriter
// calls so every endpoint speaks the same envelope.
package httputil
