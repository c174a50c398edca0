package round

import (
	"reflect"
	"testing"
)

func TestInputBlockedAllClear(t *testing.T) {
	if (GateState{}).InputBlocked() {
		t.Fatal("all-false gate state must allow input")
	}
}

// Every busy flag must participate in the OR; a flag the predicate
// ignores would reintroduce the duplicate-submission bug.
func TestInputBlockedExhaustive(t *testing.T) {
	typ := reflect.TypeOf(GateState{})
	for i := 0; i < typ.NumField(); i++ {
		var g GateState
		reflect.ValueOf(&g).Elem().Field(i).SetBool(true)
		if !g.InputBlocked() {
			t.Fatalf("flag %s does not block input", typ.Field(i).Name)
		}
	}
}

func TestInputBlockedCombined(t *testing.T) {
	g := GateState{ParticipantStreaming: true, PreSearchActive: true}
	if !g.InputBlocked() {
		t.Fatal("expected blocked")
	}
	g = GateState{HasQueuedMessage: true}
	if !g.InputBlocked() {
		t.Fatal("queued message alone must block")
	}
}
