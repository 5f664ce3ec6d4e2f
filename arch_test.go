package hotjit

import "testing"

func TestStringToMachine(t *testing.T) {
	tests := []struct {
		in      string
		want    Machine
		wantErr bool
	}{
		{"x86_64", MachineX86_64, false},
		{"amd64", MachineX86_64, false},
		{"X86_64", MachineX86_64, false},
		{"aarch64", MachineARM64, false},
		{"arm64", MachineARM64, false},
		{"riscv64", -1, true},
		{"", -1, true},
	}
	for _, tt := range tests {
		got, err := StringToMachine(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("StringToMachine(%q): expected an error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("StringToMachine(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("StringToMachine(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestMachineStringRoundTrip(t *testing.T) {
	for _, m := range []Machine{MachineX86_64, MachineARM64} {
		got, err := StringToMachine(m.String())
		if err != nil {
			t.Fatalf("%v: %v", m, err)
		}
		if got != m {
			t.Errorf("round trip of %v gave %v", m, got)
		}
	}
}

func TestRegSet(t *testing.T) {
	s := RegSet(0).Add(3).Add(15).Add(31)
	for _, r := range []Reg{3, 15, 31} {
		if !s.Contains(r) {
			t.Errorf("set should contain %d", r)
		}
	}
	for _, r := range []Reg{0, 4, 16, 30} {
		if s.Contains(r) {
			t.Errorf("set should not contain %d", r)
		}
	}
}

func TestConditionCodeNames(t *testing.T) {
	tests := []struct {
		cc   ConditionCode
		want string
	}{
		{CondE, "e"},
		{CondNE, "ne"},
		{CondL, "l"},
		{CondG, "g"},
		{CondB, "b"},
		{CondAE, "ae"},
	}
	for _, tt := range tests {
		if got := tt.cc.String(); got != tt.want {
			t.Errorf("condition %#x: expected %q, got %q", uint8(tt.cc), tt.want, got)
		}
	}
}
