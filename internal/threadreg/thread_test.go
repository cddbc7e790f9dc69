package threadreg

import "testing"

func TestMachThreadInvariantOK(t *testing.T) {
	tests := []struct {
		name string
		t    MachThread
		want bool
	}{
		{"zero value", MachThread{}, true},
		{"sw breakpoint implies breakpoint", MachThread{JustHitBreakpoint: true, JustHitSWBreakpoint: true}, true},
		{"sw breakpoint without breakpoint", MachThread{JustHitSWBreakpoint: true}, false},
		{"stepping with kind", MachThread{Step: StepConfig{IsStepping: true, Kind: StepInstructionIn}}, true},
		{"stepping without kind", MachThread{Step: StepConfig{IsStepping: true, Kind: StepNone}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.t.invariantOK(); got != tt.want {
				t.Errorf("invariantOK() = %v, want %v", got, tt.want)
			}
		})
	}
}
