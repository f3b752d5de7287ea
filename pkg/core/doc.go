// Package core provides the fundamental types and interfaces for the jobs package.
//
// This package contains:
//   - Job model with GORM annotations, priorities, kinds and lifecycle states
//   - System lifecycle states, degradation levels and metric snapshots
//   - Event types for the outbound event stream
//   - Error taxonomy for admission, construction, execution, timeouts and startup
//   - Archive interface defining the persistence contract for terminal jobs
//
// Most users should import the root package github.com/jdziat/adaptive-jobs
// instead of this package directly.
package core
