// Package identity owns user accounts: the User record, roles, the
// Principal attached to authenticated requests, credential verification,
// and the persistence boundary (Postgres or in-memory).
package identity
