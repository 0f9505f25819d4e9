// Package middleware provides the API's cross-cutting gin middleware:
// CORS for the browser layer and per-IP rate limiting.
package middleware
