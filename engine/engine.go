// Package engine hosts the external proving engine inside the worker.
//
// The engine is opaque to the bridge: it boots once, then executes a program
// (a compiled circuit) against numeric arguments and execution parameters and
// reports a textual execution trace. Translating domain input into programs and
// traces back into results is the job of package circuit.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrNotBooted is returned by Run before a successful Boot.
	ErrNotBooted = errors.New("engine not booted")
	// ErrOutOfGas is returned when the execution parameters leave no budget to run.
	ErrOutOfGas = errors.New("out of gas")
)

// Params are the execution parameters passed along with every run.
type Params struct {
	AvailableGas      uint64
	AllowWarnings     bool
	PrintFullMemory   bool
	RunProfiler       bool
	UseDebugPrintHint bool
}

// DefaultParams returns the parameters the worker uses unless configured otherwise.
func DefaultParams() Params {
	return Params{AvailableGas: 100000}
}

// Engine is the capability the worker dispatcher drives.
type Engine interface {
	// Boot prepares the engine. It must succeed before Run is used.
	Boot(ctx context.Context) error
	// Run executes entry in program with args and returns the execution trace.
	Run(ctx context.Context, program []byte, entry string, args []int64, params Params) (string, error)
	Close(ctx context.Context) error
}
