// Package store provides persistent storage for the gateway using SQLite.
//
// # Interfaces
//
//   - CredentialStore: per-tenant bot token, dispatch mode, webhook secret and
//     extraction API key. The orchestrator loads credentials from here on every
//     activation and restart.
//   - RecordStore: transactions and categories written by completed
//     conversation flows.
//
// SQLiteStore implements both, and Store combines them.
//
// # Encryption
//
// Bot tokens, webhook secrets and AI keys are sealed with NaCl secretbox
// before they are written. The key is derived from database.encryption_key
// in the config; changing it makes existing credentials unreadable
// (ErrDecrypt), so tenants must be re-registered after a key rotation.
//
// # Tenancy
//
// Every record query takes a tenant id and filters on it. There is no query
// that reads across tenants.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//
// Use NewSQLiteStore(":memory:", sealer) for integration tests with real SQLite.
package store
