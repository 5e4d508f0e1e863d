// Package storage is raspbot's persistence layer.
//
// It provides:
//   - the durable cache tier (key -> {value, timestamp}, transactional update)
//   - the recipient directory (who gets notified, for which group)
//   - point-in-time backups
package storage
