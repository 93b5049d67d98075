// Package memory is a sqlite-backed key/value store that the memory_read
// and memory_write tools use to keep facts across turns.
//
// Records are namespaced by scope. The tools use the session id as scope
// unless the caller asks for the shared "global" scope.
package memory
