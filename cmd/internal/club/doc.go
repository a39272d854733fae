// Package club implements club membership and governance.
//
// The Engine owns the role state machine (member, co-leader, leader), authorization of every
// governance operation, atomic leadership transfer, solo-leader club deletion and the
// total-likes aggregate. Every operation receives the acting user id explicitly; resolving it
// from a session or token is the transport's job.
//
// Persistence sits behind Store. PostgresStore is the production implementation and
// InMemoryStore serves dev mode and tests. Multi-step writes run inside Store.WithTx, and
// role-changing writes compare-and-swap the club version so concurrent governance writes
// on the same club surface ErrStaleState instead of corrupting the single-leader invariant.
package club
