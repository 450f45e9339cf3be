// Package splitstore defines the core types and store interfaces for the
// split modulestore: versioned, content-addressed course structures and the
// mutable course indexes that point at them. Concrete backends live in
// subpackages: postgres (primary/relational course indexes), cassandra
// (document-store structures, definitions and the legacy index mirror),
// redis (the shared structure cache) and inmemory (maps, for tests and
// embedded use). The engine subpackage composes them into the bulk-write
// layer that buffers reads and writes per course and flushes atomically.
//
// Structures and definitions are immutable once written; every edit mints a
// new structure id. Course indexes are the only mutable records and carry a
// last_update collision token that serializes concurrent editors.
package splitstore
