// Package errors defines the error taxonomy shared by the lockstep packages.
// Typed errors carry the endpoint name, resource id or attempt counts needed
// to diagnose a failed query; sentinels cover the contention outcomes the
// remote lock protocol reports.
package errors
