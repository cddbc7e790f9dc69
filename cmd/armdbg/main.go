// Command armdbg wires the debugger core together: kernel, exception
// dispatch, and the attach/detach control plane. It is not the REPL —
// command parsing, the expression evaluator, the symbolicator, the
// disassembler, and command history are external collaborators this
// core only calls through narrow interfaces (internal/exception's
// Disassembler, this file's own minimal flag handling standing in for
// the real command parser).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/intuitionamiga/armdbg64/internal/dbglog"
	"github.com/intuitionamiga/armdbg64/internal/debugger"
	"github.com/intuitionamiga/armdbg64/internal/kernel"
	"github.com/intuitionamiga/armdbg64/internal/procfind"
)

// noopDisassembler stands in for the real disassembler collaborator
// (spec.md §1/§2), which this core never implements.
func noopDisassembler(addr uint64, nbytes int) string {
	return fmt.Sprintf("   0x%016x:  <%d bytes, disassembly unavailable>\n", addr, nbytes)
}

// logConvVars is a minimal convenience-variable store standing in for the
// REPL's own (spec.md §6): it just logs every set/void, since this entry
// point has nowhere else to display them.
type logConvVars struct {
	mu   sync.Mutex
	vars map[string]string
}

func newLogConvVars() *logConvVars { return &logConvVars{vars: make(map[string]string)} }

func (c *logConvVars) Set(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
	dbglog.Infof("%s = %s", name, value)
	return nil
}

func (c *logConvVars) Void(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vars, name)
}

func main() {
	target := flag.String("attach", "", "pid or program name to attach to")
	waitFor := flag.Bool("waitfor", false, "poll until the target process launches")
	noSigs := flag.Bool("nosigs", false, "do not intercept the debuggee's Unix signals")
	flag.Parse()

	if *target == "" {
		fmt.Fprintln(os.Stderr, "usage: armdbg -attach <pid|name> [-waitfor] [-nosigs]")
		os.Exit(1)
	}

	k := kernel.New()
	resolver := procfind.NewResolver(procfind.NewLister())
	dbg := debugger.New(k, resolver, noopDisassembler, newLogConvVars())

	cancel := make(chan struct{})
	banner, err := dbg.Attach(debugger.AttachOptions{
		Target:  *target,
		WaitFor: *waitFor,
		NoSigs:  *noSigs,
		Cancel:  cancel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "attach failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(banner)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT)

	var wg sync.WaitGroup
	stopPump := make(chan struct{})
	exited := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		pump(dbg, stopPump, exited)
	}()

	select {
	case <-sigs:
		dbglog.Infof("interrupt received, detaching")
	case <-exited:
		dbglog.Infof("debuggee exited, detaching")
	}

	close(cancel)
	close(stopPump)
	wg.Wait()

	if _, err := dbg.Detach(false); err != nil {
		fmt.Fprintf(os.Stderr, "detach failed: %v\n", err)
		os.Exit(1)
	}
}

// pump drains the current attachment's exception backlog and prints every
// dispatcher outcome, auto-resuming the inferior exactly when the
// dispatcher says to. It is the minimal stand-in for the REPL's own event
// loop (spec.md §5): the real product interleaves this with command input
// on the same terminal, which is out of this core's scope.
func pump(dbg *debugger.Debugger, stop <-chan struct{}, exited chan<- struct{}) {
	for {
		current := dbg.Current()
		if current.PID == -1 {
			close(exited)
			return
		}

		req, ok := current.ExcRequests.Dequeue()
		if !ok {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}

		d := dbg.Dispatcher()
		if d == nil {
			close(exited)
			return
		}

		outcome := d.Handle(req)
		if outcome.ShouldPrint {
			fmt.Print(outcome.Description)
		}
		_ = d.Reply(req)

		if outcome.ShouldAutoResume {
			_ = dbg.Resume()
		}
	}
}
