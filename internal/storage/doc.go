// Package storage provides the pluggable persistence layer.
//
// It holds three repositories behind one Store interface:
//   - Recipients (preferences, delivery health, pref-update rate limit)
//   - Snapshots (consolidated per-category stock state)
//   - History (duplicate-suppression appearance log)
//
// Drivers: memory (default), sqlite (modernc), postgres (pgx pool).
package storage
