package irq

import "anyos/kernel/gate"

// ExceptionNum defines an exception number that can be
// passed to the HandleException and HandleExceptionWithCode
// functions.
type ExceptionNum uint8

const (
	// DoubleFault occurs when an exception is unhandled
	// or when an exception occurs while the CPU is
	// trying to call an exception handler.
	DoubleFault = ExceptionNum(gate.DoubleFault)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(gate.GPFException)

	// PageFaultException is raised when a PDT or
	// PDT-entry is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = ExceptionNum(gate.PageFaultException)
)

// ExceptionHandler is a function that handles an exception that does not push
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

// handleInterruptFn is swapped out by tests so they don't need a live IDT.
var handleInterruptFn = gate.HandleInterrupt

// HandleException registers an exception handler (without an error code) for
// the given interrupt number. Registration is routed through the gate
// package, which owns the IDT; this package only adapts its unified
// gate.Registers snapshot back into the split Frame/Regs shape exception
// handlers expect.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler) {
	handleInterruptFn(gate.InterruptNumber(exceptionNum), 0, func(regs *gate.Registers) {
		frame, r := split(regs)
		handler(&frame, &r)
		join(regs, &frame, &r)
	})
}

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given interrupt number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode) {
	handleInterruptFn(gate.InterruptNumber(exceptionNum), 0, func(regs *gate.Registers) {
		frame, r := split(regs)
		handler(regs.Info, &frame, &r)
		join(regs, &frame, &r)
	})
}

// split carves a gate.Registers snapshot into the Frame/Regs pair that
// exception handlers operate on.
func split(regs *gate.Registers) (Frame, Regs) {
	return Frame{
			RIP:    regs.RIP,
			CS:     regs.CS,
			RFlags: regs.RFlags,
			RSP:    regs.RSP,
			SS:     regs.SS,
		}, Regs{
			RAX: regs.RAX,
			RBX: regs.RBX,
			RCX: regs.RCX,
			RDX: regs.RDX,
			RSI: regs.RSI,
			RDI: regs.RDI,
			RBP: regs.RBP,
			R8:  regs.R8,
			R9:  regs.R9,
			R10: regs.R10,
			R11: regs.R11,
			R12: regs.R12,
			R13: regs.R13,
			R14: regs.R14,
			R15: regs.R15,
		}
}

// join writes a (possibly handler-modified) Frame/Regs pair back into the
// gate.Registers snapshot so changes take effect on IRETQ.
func join(regs *gate.Registers, frame *Frame, r *Regs) {
	regs.RIP, regs.CS, regs.RFlags, regs.RSP, regs.SS = frame.RIP, frame.CS, frame.RFlags, frame.RSP, frame.SS
	regs.RAX, regs.RBX, regs.RCX, regs.RDX = r.RAX, r.RBX, r.RCX, r.RDX
	regs.RSI, regs.RDI, regs.RBP = r.RSI, r.RDI, r.RBP
	regs.R8, regs.R9, regs.R10, regs.R11 = r.R8, r.R9, r.R10, r.R11
	regs.R12, regs.R13, regs.R14, regs.R15 = r.R12, r.R13, r.R14, r.R15
}
