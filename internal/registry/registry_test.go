package registry

import "testing"

func TestAddGetRemove(t *testing.T) {
	r := New()
	e := r.Add(nil, "test-caller")
	if e.ID == "" {
		t.Fatal("expected non-empty id")
	}
	got, ok := r.Get(e.ID)
	if !ok || got != e {
		t.Fatal("expected to find the added entry")
	}
	r.Remove(e.ID)
	if _, ok := r.Get(e.ID); ok {
		t.Error("entry should be gone after Remove")
	}
}

func TestRemovedEntryNeverReappearsInList(t *testing.T) {
	r := New()
	e1 := r.Add(nil, "")
	e2 := r.Add(nil, "")
	r.Remove(e1.ID)

	list := r.List()
	if len(list) != 1 || list[0].ID != e2.ID {
		t.Errorf("expected only e2 in list, got %+v", list)
	}
}

func TestCount(t *testing.T) {
	r := New()
	if r.Count() != 0 {
		t.Fatal("expected empty registry")
	}
	r.Add(nil, "")
	r.Add(nil, "")
	if r.Count() != 2 {
		t.Errorf("expected count 2, got %d", r.Count())
	}
}
