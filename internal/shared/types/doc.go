// Package types defines the shared data model for the daemon subsystem:
// lifecycle states, the read-only status snapshot exposed to the browser
// layer, proxy configuration, and typed event notifications.
package types
