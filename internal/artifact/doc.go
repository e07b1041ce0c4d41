// Package artifact publishes checkpoint snapshots to a remote artifact hub.
//
// A snapshot is an immutable temporary copy of one step directory plus the
// run's state.json and events.log. Syncing uploads it to a repo/branch on a
// Hub and records the resulting revision in hf/last_synced.json under the run
// root. Hubs are selected by URL scheme through a Registry.
package artifact
