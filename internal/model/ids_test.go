package model

import "testing"

func TestValidID(t *testing.T) {
	cases := []struct {
		kind IDKind
		in   string
		want bool
	}{
		{KindShipment, "01234", true},
		{KindShipment, "11234", false},
		{KindShipment, "0123", false},
		{KindShipment, "012345", false},
		{KindOrder, "2123456789", true},
		{KindOrder, "1123456789", false},
		{KindOrder, "212345678", false},
		{KindOrder, "21234567a9", false},
		{KindUnit, "512345678901299", true},
		{KindUnit, "412345678901299", false},
		{KindUnit, "51234567890129", false},
		{IDKind("pallet"), "512345678901299", false},
	}
	for _, c := range cases {
		if got := ValidID(c.kind, c.in); got != c.want {
			t.Errorf("ValidID(%s, %q) = %v, want %v", c.kind, c.in, got, c.want)
		}
	}
}

func TestTicketStateTerminal(t *testing.T) {
	for _, s := range []TicketState{StateResolved, StateFailed, StateEscalated} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TicketState{StateCreated, StateClassified, StateCheckingConsistency, StateAwaitingExternalData, StateReconciling, StateVerifying} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
