// Package instance keeps two servers from sharing one storage root.
//
// A marker file in the storage root names the process that owns it. A marker
// left by a process that is gone, or by an unrelated program that reused the
// PID, is treated as stale and replaced.
package instance
