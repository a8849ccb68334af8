// Package store defines the shared persistence vocabulary (the DBTX
// abstraction, transactions, and store errors) used by every storage
// backend. Task and résumé repository contracts live next to the code that
// consumes them; implementations live under internal/platform.
package store
