package sim

import (
	"context"
	"fmt"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/bringup/internal/boot"
	"github.com/tinyrange/bringup/internal/lifecycle"
	"github.com/tinyrange/bringup/internal/svc"
)

const (
	greetStyle   = "\x1b[1;32m"
	consoleMutex = 0
)

// Greet is the default secondary program. It prints a line through SVC
// PRINT under console mutex 0, sends the IPI to core 0 and idles.
func Greet(ctx context.Context, c *boot.Core, params lifecycle.BootParams) error {
	core, ok := c.CPU.(*Core)
	if !ok {
		return fmt.Errorf("sim: core %d is not simulated", c.Index)
	}
	line := fmt.Sprintf("%score %d%s online, context %#x\n", greetStyle, c.Index, ansi.ResetStyle, params.ContextID)
	if err := Print(core, line); err != nil {
		return err
	}
	if err := c.Signal(0); err != nil {
		return err
	}
	for {
		c.CPU.WaitForEvent()
	}
}

// Print writes s to the console one SVC at a time while holding the
// console mutex.
func Print(core *Core, s string) error {
	core.SVC(svc.MutexLock, consoleMutex)
	defer core.SVC(svc.MutexUnlock, consoleMutex)
	for i := 0; i < len(s); i++ {
		if ret := core.SVC(svc.Print, uint64(s[i])); ret != svc.Success {
			return fmt.Errorf("sim: core %d: PRINT returned %#x", core.index, ret)
		}
	}
	return nil
}
