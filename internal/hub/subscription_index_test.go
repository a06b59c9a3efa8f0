package hub

import "testing"

func TestSubscriptionIndex_AddGetRemove(t *testing.T) {
	idx := NewSubscriptionIndex()
	c1 := &Connection{id: 1}
	c2 := &Connection{id: 2}

	idx.Add("event-1", c1)
	idx.Add("event-1", c2)
	idx.Add("event-1", c1) // duplicate add is a no-op

	got := idx.Get("event-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(got))
	}

	idx.Remove("event-1", c1)
	got = idx.Get("event-1")
	if len(got) != 1 || got[0] != c2 {
		t.Fatalf("expected only c2 to remain, got %+v", got)
	}

	idx.Remove("event-1", c2)
	if got := idx.Get("event-1"); got != nil {
		t.Fatalf("expected key to be removed once empty, got %+v", got)
	}
}

func TestSubscriptionIndex_RemoveConnectionClearsAllKeys(t *testing.T) {
	idx := NewSubscriptionIndex()
	c1 := &Connection{id: 1}

	idx.Add("event-1", c1)
	idx.Add("event-2", c1)
	idx.Add("event-2", &Connection{id: 2})

	idx.RemoveConnection(c1)

	if got := idx.Get("event-1"); got != nil {
		t.Fatalf("expected event-1 to be empty, got %+v", got)
	}
	if got := idx.Get("event-2"); len(got) != 1 {
		t.Fatalf("expected event-2 to retain the other connection, got %+v", got)
	}
}

func TestSubscriptionIndex_GetUnknownKey(t *testing.T) {
	idx := NewSubscriptionIndex()
	if got := idx.Get("missing"); got != nil {
		t.Fatalf("expected nil for unknown key, got %+v", got)
	}
}
