package psci

import "github.com/tinyrange/bringup/internal/exception"

// HandleTrap services an SMC or HVC trap: x0 carries the function id and
// x1..x6 the arguments, and the result replaces x0. The exception return
// address already points past the call instruction.
func (b *Bridge) HandleTrap(t *exception.Trap) error {
	f := t.Frame
	if t.Syndrome.Immediate() != 0 {
		// SMCCC reserves nonzero immediates.
		f.X[0] = NotSupported.Register()
		return nil
	}
	call := Call{Function: FunctionID(uint32(f.X[0]))}
	copy(call.Args[:], f.X[1:7])
	f.X[0] = b.Handle(t.CPU, call)
	return nil
}
