// Package catalog stores the song catalog and the user accounts that may
// sign in to the Echo app.
//
// The store is a single sqlite file opened with mattn/go-sqlite3. Schema
// changes live in migrations/ and are embedded into the binary; Open applies
// any pending ones with golang-migrate before handing out a Store.
//
// Passwords are stored as bcrypt hashes. VerifyCredentials distinguishes an
// inactive account (right password, disabled user) from every other failure
// so the login endpoint can answer 403 rather than 401.
//
// # Errors
//
//	ErrNotFound             unknown song or user id (get, update, toggle)
//	ErrInvalidCredentials   unknown login or wrong password
//	ErrInactive             right password, deactivated account
//	ErrDuplicateLogin       login already taken
//	ErrMissingCredentials   blank login or empty password on create
//
// Deletes are idempotent. Song fields are validated by SongFields.Validate
// before any write.
//
// # Concurrency
//
// A Store is safe for concurrent use. The pool is limited to one
// connection, which serialises writers the way sqlite wants, and the DSN
// sets a busy timeout for other processes sharing the file.
package catalog
