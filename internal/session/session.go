// Package session stores opaque login tokens in Redis. A token maps to the
// user it was issued for and expires after SessionTTL of inactivity.
package session
