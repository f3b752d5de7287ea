// Package state owns the single authoritative SystemState.
//
// Every change goes through the transition table: a (state, trigger) pair maps
// to exactly one next state, and anything not in the table is refused with
// core.ErrInvalidTransition.
//
//	INIT --probes_passed--> CHECK_ENV --validated--> IDLE --first_admission--> RUNNING
//	RUNNING --critical--> DEGRADED --recovered--> RUNNING
//	any --stop--> SHUTDOWN
package state
