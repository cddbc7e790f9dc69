//go:build darwin && arm64

package procfind

import (
	"github.com/intuitionamiga/armdbg64/internal/dbgerr"
	"golang.org/x/sys/unix"
)

// darwinLister enumerates processes via the kern.proc.all sysctl, the
// same data source the original's libproc-based pid_of_program ultimately
// reads from.
type darwinLister struct{}

// NewLister returns the platform process lister.
func NewLister() ProcessLister { return darwinLister{} }

func (darwinLister) ListProcesses() ([]ProcessInfo, error) {
	kps, err := unix.SysctlKinfoProcSlice("kern.proc.all")
	if err != nil {
		return nil, dbgerr.Wrap("procfind.ListProcesses", err)
	}

	out := make([]ProcessInfo, 0, len(kps))
	for _, kp := range kps {
		comm := kp.Proc.P_comm
		name := commName(comm[:])
		out = append(out, ProcessInfo{PID: int(kp.Proc.P_pid), Name: name})
	}
	return out, nil
}

func commName(raw []byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}
