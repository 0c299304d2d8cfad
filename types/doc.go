// Package types defines the shared data model for iterflow: subtasks and
// their statuses, the per-session TaskContext aggregate, iteration records,
// and the structured error type used across all packages.
//
// The package has no dependencies on other iterflow packages so that every
// layer (scheduler, controller, engine, persistence) can share these types
// without import cycles.
package types
