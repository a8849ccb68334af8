// Package domain contains the core entities of the résumé task pipeline:
// tasks and their progress log, the canonical résumé document, and the
// error taxonomy that drives retry decisions. It has no dependencies on
// infrastructure or delivery mechanisms.
package domain
