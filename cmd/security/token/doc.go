// Package token verifies bearer access tokens and turns them into a principal.
//
// Tokens are HS256 JWTs issued by the auth provider. The subject is the user id; the
// optional "username" claim (or user_metadata.username) seeds the local user read model.
//
// Environment:
//   - CLUBHOUSE_JWT_SECRET: shared signing secret, at least MinSecretBytes long.
package token
