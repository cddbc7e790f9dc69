//go:build !(darwin && arm64)

package procfind

import "github.com/intuitionamiga/armdbg64/internal/dbgerr"

type unsupportedLister struct{}

// NewLister returns the platform process lister.
func NewLister() ProcessLister { return unsupportedLister{} }

func (unsupportedLister) ListProcesses() ([]ProcessInfo, error) {
	return nil, dbgerr.New("procfind.ListProcesses", dbgerr.CodeKernel, "unsupported platform: requires darwin/arm64")
}
