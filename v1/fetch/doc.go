// Package fetch reads resource states from locked endpoints with bounded
// concurrency and all-or-nothing semantics: either every assigned resource
// is read and returned as one Snapshot, or the first failure cancels the
// remaining reads and no partial data escapes.
package fetch
