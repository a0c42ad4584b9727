// Package version keeps a RuleCache in step with its upstream Loader.
//
// A Manager populates the cache at startup, compares cached versions with
// upstream, detects conflicting upstream changes, refreshes outdated rules
// and manages per-rule rollback snapshots. Every overwrite made by the
// Manager snapshots the previous content first, so a refresh can always be
// undone with RollbackRule.
//
// Snapshots are kept most-recent-first and bounded by Config.MaxSnapshots.
// Restoring a snapshot consumes it and saves the replaced content as a
// "rollback" snapshot.
package version
