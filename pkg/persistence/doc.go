// Package persistence saves the subscription set of a consumer so that a
// restarted process can subscribe to the same events again.
//
// State is stored as JSON. A missing file is an empty state.
package persistence
