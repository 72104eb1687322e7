package state

import "testing"

func TestState_String(t *testing.T) {
	cases := map[State]string{
		Init:            "INIT",
		HashRetrieving:  "HASH_RETRIEVING",
		BlockRetrieving: "BLOCK_RETRIEVING",
		GapRecovery:     "GAP_RECOVERY",
		DoneGapRecovery: "DONE_GAP_RECOVERY",
		DoneSync:        "DONE_SYNC",
		Idle:            "IDLE",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
