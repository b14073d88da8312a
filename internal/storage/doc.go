// Package storage persists the catalog, price history and notification
// cooldowns.
//
// Drivers:
//   - "memory": process-local maps (tests, dry runs)
//   - "file":   JSON catalog snapshot + JSONL price history + cooldown journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage
