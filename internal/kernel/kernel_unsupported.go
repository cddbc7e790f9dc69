//go:build !(darwin && arm64)

package kernel

// unsupportedKernel implements Kernel by failing every call with a
// clearly classified error (except ValidAddress, which reports false, and
// MunmapSharedCache, which has nothing to unmap and returns nil), the same role the teacher's
// audio_backend_headless.go / be_unsupported.go pair gives a backend
// with no viable implementation on the current build: the rest of the
// module still builds and its non-kernel unit tests still run.
type unsupportedKernel struct{}

// New returns the Kernel implementation for the current build target.
func New() Kernel { return unsupportedKernel{} }

func (unsupportedKernel) TaskForPID(int) (TaskPort, error) { return 0, unsupported("kernel.TaskForPID") }
func (unsupportedKernel) TaskSuspend(TaskPort) error        { return unsupported("kernel.TaskSuspend") }
func (unsupportedKernel) TaskResume(TaskPort) error         { return unsupported("kernel.TaskResume") }
func (unsupportedKernel) TaskThreads(TaskPort) ([]ThreadPort, error) {
	return nil, unsupported("kernel.TaskThreads")
}
func (unsupportedKernel) ThreadTID(ThreadPort) (uint64, error) {
	return 0, unsupported("kernel.ThreadTID")
}
func (unsupportedKernel) GetGeneralState(ThreadPort) (GeneralRegs, error) {
	return GeneralRegs{}, unsupported("kernel.GetGeneralState")
}
func (unsupportedKernel) SetGeneralState(ThreadPort, GeneralRegs) error {
	return unsupported("kernel.SetGeneralState")
}
func (unsupportedKernel) GetDebugState(ThreadPort) (DebugRegs, error) {
	return DebugRegs{}, unsupported("kernel.GetDebugState")
}
func (unsupportedKernel) SetDebugState(ThreadPort, DebugRegs) error {
	return unsupported("kernel.SetDebugState")
}
func (unsupportedKernel) ReadMemory(TaskPort, uint64, int) ([]byte, error) {
	return nil, unsupported("kernel.ReadMemory")
}
func (unsupportedKernel) WriteMemory(TaskPort, uint64, []byte) error {
	return unsupported("kernel.WriteMemory")
}
func (unsupportedKernel) ValidAddress(TaskPort, uint64) bool { return false }
func (unsupportedKernel) ASLRSlide(TaskPort, int) (uint64, error) {
	return 0, unsupported("kernel.ASLRSlide")
}
func (unsupportedKernel) InstallExceptionPort(TaskPort) (ExceptionPortInfo, error) {
	return ExceptionPortInfo{}, unsupported("kernel.InstallExceptionPort")
}
func (unsupportedKernel) RestoreExceptionPort(TaskPort, ExceptionPortInfo) error {
	return unsupported("kernel.RestoreExceptionPort")
}
func (unsupportedKernel) ReceiveException(<-chan struct{}) (*Request, error) {
	return nil, unsupported("kernel.ReceiveException")
}
func (unsupportedKernel) ReplyException(*Request, int32) error {
	return unsupported("kernel.ReplyException")
}
func (unsupportedKernel) PTraceAttachExc(int) error { return unsupported("kernel.PTraceAttachExc") }
func (unsupportedKernel) PTraceDetach(int) error    { return unsupported("kernel.PTraceDetach") }
func (unsupportedKernel) PTraceThupdate(int, ThreadPort, int) error {
	return unsupported("kernel.PTraceThupdate")
}
func (unsupportedKernel) Kill(int, int) error          { return unsupported("kernel.Kill") }
func (unsupportedKernel) Waitpid(int) (int, error)     { return 0, unsupported("kernel.Waitpid") }
func (unsupportedKernel) MmapSharedCache(string) ([]byte, error) {
	return nil, unsupported("kernel.MmapSharedCache")
}
func (unsupportedKernel) MunmapSharedCache([]byte) error { return nil }
