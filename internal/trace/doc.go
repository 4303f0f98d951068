// Package trace is a binary event log shared by every core: exceptions,
// interrupts, monitor calls and power transitions. It is written without
// locks and read back offline.
package trace
