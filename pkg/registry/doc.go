// Package registry is the durable node registry: one PeerRecord per node
// identifier, persisted in SQLite and replicated between nodes.
//
// Records are never deleted. Remote copies are merged by last-contact
// timestamp: a record replaces the stored one only when it is strictly newer,
// so duplicate delivery is a no-op. Local transitions (contact, timeout,
// designation) mutate records in place.
//
// The registry also holds the local view of leadership. At most one record
// has RoleOvermind at any time; Designate moves the role and demotes the
// previous holder to RoleQueen.
package registry
