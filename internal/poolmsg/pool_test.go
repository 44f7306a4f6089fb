package poolmsg

import (
	"encoding/json"
	"testing"
)

func TestTimelineRoundTrip(t *testing.T) {
	cases := []Timeline{
		NewSimpleTimeline(1234),
		NewFixedTimeline(1000, 60),
		NewTimeoutTimeline(2000, 120),
	}
	for _, tl := range cases {
		raw, err := json.Marshal(tl)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out Timeline
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if out.FinalDeadline() != tl.FinalDeadline() {
			t.Fatalf("final deadline mismatch: %d != %d", out.FinalDeadline(), tl.FinalDeadline())
		}
	}
}

func TestTimeoutFinalDeadlineIsTimeoutPlusMaxDuration(t *testing.T) {
	tl := NewTimeoutTimeline(2000, 120)
	if got, want := tl.FinalDeadline(), uint64(2120); got != want {
		t.Fatalf("final deadline = %d, want %d", got, want)
	}
	deadline, early := tl.StartDeadline()
	if deadline != 2000 || !early {
		t.Fatalf("start deadline = (%d, %v), want (2000, true)", deadline, early)
	}
}

func TestFixedNeverStartsEarly(t *testing.T) {
	tl := NewFixedTimeline(1000, 60)
	_, early := tl.StartDeadline()
	if early {
		t.Fatal("Fixed timeline must never start early")
	}
}

func TestFeeRoundTrip(t *testing.T) {
	fixed := NewFixedFee(10)
	raw, err := json.Marshal(fixed)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Fee
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.IsFixed() || out.FixedSatVb != 10 {
		t.Fatalf("fee mismatch: %+v", out)
	}
}

func TestComputePoolIDStable(t *testing.T) {
	var pk PubKey
	pk[0] = 0x03
	id1 := ComputePoolID(pk, 1234567890)
	id2 := ComputePoolID(pk, 1234567890)
	if id1 != id2 {
		t.Fatalf("pool id not stable: %s != %s", id1, id2)
	}
	if len(id1) != 64 {
		t.Fatalf("pool id length = %d, want 64", len(id1))
	}
	id3 := ComputePoolID(pk, 1234567891)
	if id1 == id3 {
		t.Fatal("different timestamps must not collide")
	}
}
