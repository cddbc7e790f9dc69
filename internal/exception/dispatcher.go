package exception

import (
	"github.com/intuitionamiga/armdbg64/internal/breakpoint"
	"github.com/intuitionamiga/armdbg64/internal/dbgio"
	"github.com/intuitionamiga/armdbg64/internal/kernel"
	"github.com/intuitionamiga/armdbg64/internal/sigpolicy"
	"github.com/intuitionamiga/armdbg64/internal/threadreg"
	"github.com/intuitionamiga/armdbg64/internal/watchpoint"
)

// Disassembler renders nbytes of instruction text starting at addr. The
// disassembler itself is an external collaborator (spec.md §2); the
// dispatcher only ever consumes it through this one call shape.
type Disassembler func(addr uint64, nbytes int) string

// Outcome is the dispatcher's verdict on a single exception message: what
// to print, and whether the inferior should auto-resume once the message
// is replied to.
type Outcome struct {
	ShouldPrint      bool
	ShouldAutoResume bool
	Description      string
}

// Dispatcher classifies each received exception request (spec.md §4.7)
// and mutates breakpoint, watchpoint, and per-thread stepping state
// accordingly.
type Dispatcher struct {
	k       kernel.Kernel
	pid     int
	bp      *breakpoint.Engine
	wp      *watchpoint.Engine
	threads *threadreg.Registry
	sig     *sigpolicy.Table
	dis     Disassembler
}

// NewDispatcher wires a dispatcher against the debuggee's subsystems.
func NewDispatcher(k kernel.Kernel, pid int, bp *breakpoint.Engine, wp *watchpoint.Engine,
	threads *threadreg.Registry, sig *sigpolicy.Table, dis Disassembler) *Dispatcher {
	return &Dispatcher{k: k, pid: pid, bp: bp, wp: wp, threads: threads, sig: sig, dis: dis}
}

// Handle classifies req and returns the resulting Outcome, mirroring
// handle_exception's dispatch order: Unix soft signal, hardware
// watchpoint, breakpoint/single-step, then the catch-all case. It does
// not itself reply to the kernel; callers decide when to call Reply and
// what resume/suspend action to take based on ShouldAutoResume.
func (d *Dispatcher) Handle(req *kernel.Request) Outcome {
	out := Outcome{ShouldPrint: true, ShouldAutoResume: true}
	var desc dbgio.Buffer

	focused := d.threads.GetFocused()
	if focused == nil || focused.Port != req.Thread {
		d.threads.SetFocused(req.Thread)
		focused = d.threads.GetFocused()
	}
	if focused == nil {
		out.ShouldPrint = false
		return out
	}

	gen, err := focused.Regs.GetGeneralState()
	if err != nil {
		out.ShouldPrint = false
		return out
	}

	desc.Concat("\n * Thread #%d (tid = %#x)", focused.ID, focused.TID)

	switch {
	case req.Kind == kernel.ExcSoftware && req.Code == kernel.SoftSignalCode:
		d.handleSoftSignal(focused, req, &out, &desc, gen)
	case req.Code == kernel.ArmDataAbortDebug:
		d.handleWatchpointTrigger(focused, req, &out, gen)
	case req.Kind == kernel.ExcBreakpoint && req.Code == kernel.ArmBreakpointCode:
		d.handleBreakpointTrap(focused, req, &out, &desc, gen)
	default:
		desc.Concat(": '%s': stop reason: %s (code = %#x, subcode = %#x)\n",
			focused.Name, req.Kind.String(), req.Code, req.Subcode)
		desc.Concat("%s", d.dis(gen.PC, 4))
		out.ShouldAutoResume = false
	}

	out.Description = desc.String()
	return out
}

// Reply acknowledges req to the kernel with KERN_SUCCESS so mach_msg
// completes, independent of whether the inferior will actually be
// resumed — that decision is the caller's, via Outcome.ShouldAutoResume
// and a resume/suspend call on the inferior control.
func (d *Dispatcher) Reply(req *kernel.Request) error {
	return d.k.ReplyException(req, 0)
}

func (d *Dispatcher) handleSoftSignal(focused *threadreg.MachThread, req *kernel.Request,
	out *Outcome, desc *dbgio.Buffer, gen kernel.GeneralRegs) {
	triad, err := d.sig.Get(int(req.Subcode))
	if err != nil {
		triad = sigpolicy.Triad{Notify: true, Stop: true}
	}

	desc.Concat(", '%s' received signal ", focused.Name)
	desc.Concat("%d, %s. ", req.Subcode, sigpolicy.SignalName(int(req.Subcode)))

	if !triad.Pass {
		_ = d.k.PTraceThupdate(d.pid, focused.Port, 0)
	}

	switch {
	case !triad.Notify && !triad.Stop:
		out.ShouldPrint = false
	case !triad.Notify && triad.Stop:
		out.ShouldPrint = false
		out.ShouldAutoResume = false
	case triad.Notify && !triad.Stop:
		desc.Concat("Resuming execution.\n")
	default: // notify && stop
		out.ShouldAutoResume = false
		desc.Concat("\n")
		desc.Concat("%s", d.dis(gen.PC, 4))
	}
}

func (d *Dispatcher) handleWatchpointTrigger(focused *threadreg.MachThread, req *kernel.Request,
	out *Outcome, gen kernel.GeneralRegs) {
	focused.JustHitWatchpoint = true
	focused.LastHitWatchpointLoc = uint64(req.Subcode)
	focused.LastHitWatchpointPC = gen.PC

	// The software step exception fires after the inferior is auto-resumed,
	// once the CPU has actually executed the faulting instruction.
	_ = focused.Regs.EnableSingleStep()
	out.ShouldPrint = false
}

func (d *Dispatcher) handleBreakpointTrap(focused *threadreg.MachThread, req *kernel.Request,
	out *Outcome, desc *dbgio.Buffer, gen kernel.GeneralRegs) {
	if req.Subcode == 0 {
		if focused.JustHitWatchpoint {
			if wp, ok := d.wp.FindByLocation(focused.LastHitWatchpointLoc); ok {
				d.emitWatchpointHit(focused, wp, desc)
				out.ShouldAutoResume = false
			} else {
				out.ShouldPrint = false
			}
			focused.JustHitWatchpoint = false
			return
		}

		if focused.Step.IsStepping {
			if hit, ok := d.bp.FindByLocationAndCond(gen.PC, breakpoint.CondNormal); ok {
				hit.Hit()
				desc.Concat(": '%s': breakpoint %d at %#x hit %d time(s).",
					focused.Name, hit.ID, hit.Location, hit.HitCount)
			} else {
				kind := "instruction step in"
				if focused.Step.Kind == threadreg.StepInstructionOver {
					kind = "instruction step over"
				}
				desc.Concat(": '%s': %s.", focused.Name, kind)
			}
		}

		d.handleSingleStep(focused, out, desc, gen)
		focused.Step.Kind = threadreg.StepNone
		focused.Step.IsStepping = false
		return
	}

	focused.JustHitBreakpoint = true
	desc.Concat(": '%s':", focused.Name)
	d.handleHitBreakpoint(focused, req.Subcode, out, desc)
	desc.Concat("%s", d.dis(gen.PC, 4))
	_ = focused.Regs.EnableSingleStep()
}

func (d *Dispatcher) handleHitBreakpoint(focused *threadreg.MachThread, subcode int64, out *Outcome, desc *dbgio.Buffer) {
	loc := uint64(subcode)
	hit, hasHit := d.bp.FindByLocationAndCond(loc, breakpoint.CondNormal)
	step, hasStep := d.bp.FindByLocationAndCond(loc, breakpoint.CondStepping)

	if !hasHit && !hasStep {
		out.ShouldPrint = false
		return
	}

	if hasStep {
		step.Hit()
		focused.Step.JustHitSSBreakpoint = true
		focused.Step.SetTempSSBreakpoint = false
	}

	// Software breakpoints have no real per-thread affinity; emulate it
	// by declining to treat the trap as a hit on any thread but the one
	// it was installed for.
	if hasHit && !hit.Thread.All && !hit.HW {
		if focused.TID != hit.Thread.TID {
			out.ShouldPrint = false
			return
		}
	}

	if hasHit {
		hit.Hit()
		desc.Concat(" breakpoint %d at %#x hit %d time(s).\n", hit.ID, hit.Location, hit.HitCount)
	} else if hasStep {
		desc.Concat(" instruction step over.\n")
	}

	if hasHit {
		if !hit.HW {
			focused.JustHitSWBreakpoint = true
			_ = d.bp.Disable(hit)
		}
		focused.LastHitBreakpointID = hit.ID
	}

	out.ShouldAutoResume = false
}

func (d *Dispatcher) handleSingleStep(focused *threadreg.MachThread, out *Outcome, desc *dbgio.Buffer, gen kernel.GeneralRegs) {
	_ = d.bp.EnableAllSpecific(breakpoint.CondNormal)

	if focused.JustHitBreakpoint {
		if focused.JustHitSWBreakpoint {
			if bp, ok := d.bp.FindByID(focused.LastHitBreakpointID); ok {
				_ = d.bp.Enable(bp)
			}
			focused.JustHitSWBreakpoint = false
		}

		if !focused.Step.IsStepping {
			if focused.Step.Kind == threadreg.StepInstructionOver && focused.Step.JustHitSSBreakpoint {
				focused.Step.JustHitSSBreakpoint = false
			}
			out.ShouldPrint = false
		} else {
			out.ShouldAutoResume = false
			desc.Concat("\n")
			desc.Concat("%s", d.dis(gen.PC, 4))
		}

		focused.JustHitBreakpoint = false
		return
	}

	if focused.Step.Kind == threadreg.StepInstructionOver {
		if !focused.Step.SetTempSSBreakpoint {
			out.ShouldAutoResume = false
		}
	} else {
		out.ShouldAutoResume = false
	}

	desc.Concat("\n")
	desc.Concat("%s", d.dis(gen.PC, 4))
}

func (d *Dispatcher) emitWatchpointHit(focused *threadreg.MachThread, wp *watchpoint.Watchpoint, desc *dbgio.Buffer) {
	diff, err := d.wp.ReportHit(wp)
	if err != nil {
		diff = ""
	}

	desc.Concat(": '%s': watchpoint %d at %#x hit %d time(s).\n\n",
		focused.Name, wp.ID, wp.UserLocation, wp.HitCount)
	desc.Concat("%s", diff)
	desc.Concat("%s", d.dis(focused.LastHitWatchpointPC+4, 4))

	focused.LastHitWatchpointLoc = 0
	focused.LastHitWatchpointPC = 0
}
