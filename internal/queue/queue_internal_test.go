package queue

import "testing"

func TestFormatParseTaskID_RoundTrip(t *testing.T) {
	for _, id := range []int64{0, 1, 42, 1 << 40} {
		s := formatTaskID(id)
		got, err := parseTaskID(s)
		if err != nil {
			t.Fatalf("parseTaskID(%q): %v", s, err)
		}
		if got != id {
			t.Fatalf("round trip mismatch: got %d, want %d", got, id)
		}
	}
}

func TestParseTaskID_Malformed(t *testing.T) {
	if _, err := parseTaskID("not-a-number"); err == nil {
		t.Fatal("expected error for malformed task id")
	}
}
