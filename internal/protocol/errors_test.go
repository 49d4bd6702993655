package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrBadRequest,
		ErrInvalidTarget,
		ErrBlocked,
		ErrUnreachable,
		ErrConflict,
		ErrCancelled,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestEventAccessors(t *testing.T) {
	ev := Event{"type": EventTaskDone, "task_id": "K1", "entity_id": float64(42)}
	if EventString(ev, "task_id") != "K1" {
		t.Fatalf("task_id mismatch")
	}
	if EventString(ev, "missing") != "" {
		t.Fatalf("missing key should be empty")
	}
	id, ok := EventInt(ev, "entity_id")
	if !ok || id != 42 {
		t.Fatalf("entity_id=%d ok=%v", id, ok)
	}
	if _, ok := EventInt(ev, "task_id"); ok {
		t.Fatalf("string field must not parse as int")
	}
}
