// Package omen is an in-process object-relational mediation layer. It keeps
// live, identity-mapped in-memory representations of rows from a tabular
// storage backend, tracks mutations against them, and commits or discards
// those mutations transactionally through the backend's native transaction
// primitives.
//
// This package holds the shared domain types: Row objects with dirty-field
// tracking, Schema descriptors, the tagged Where predicate, the Storage
// collaborator interface, and the ambient error/logging/retry utilities.
// The mediation engine itself (Table, ObjCache, transaction frames and the
// Omen manager) lives in the common subpackage; storage collaborators live
// in in_memory and pgsql; the optional second-level row cache in rediscache.
package omen
