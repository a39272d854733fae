// Package inbox implements the club messaging protocol: join requests, invitations,
// club-wide announcements and plain direct messages.
//
// Protocol messages carry their payload twice. The authoritative copy is a structured
// Record in the message's metadata column; a hidden HTML comment marker in the body is kept
// for clients and rows that predate the column. Approving a request or accepting an
// invitation goes through club.Engine.Admit, and the request message is consumed in the
// same transaction so it can only be acted on once.
package inbox
