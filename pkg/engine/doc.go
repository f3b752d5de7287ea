// Package engine is the boundary to the processing engines that do the actual
// media work.
//
// It provides:
//   - Engine: the narrow execute contract an engine implements
//   - Registry: the closed table of one Handler per job kind, resolved at dispatch
//   - Resources: borrowed cache resources handed to one execution
//   - Context helpers so engines can read the running job and honour cancellation
package engine
