// Package policy validates and applies the anonymity policy: exit and
// entry country restrictions, bridge lines with pluggable-transport
// selection, and stream-isolation port allocation.
package policy
