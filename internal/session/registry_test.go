package session

import "testing"

func TestRegistryResolveByNameAndPath(t *testing.T) {
	r := NewRegistry()
	s := &Session{Name: "proj", Workspace: "/home/user/proj"}
	if err := r.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := r.Resolve("proj")
	if !ok || got != s {
		t.Fatalf("Resolve by name failed: %v %v", got, ok)
	}

	got, ok = r.Resolve("/home/user/proj")
	if !ok || got != s {
		t.Fatalf("Resolve by path failed: %v %v", got, ok)
	}

	if _, ok := r.Resolve("nope"); ok {
		t.Error("expected miss for unknown name")
	}
}

func TestRegistryAddRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	s1 := &Session{Name: "dup", Workspace: "/a"}
	s2 := &Session{Name: "dup", Workspace: "/b"}
	if err := r.Add(s1); err != nil {
		t.Fatalf("Add s1: %v", err)
	}
	if err := r.Add(s2); err != ErrExists {
		t.Errorf("Add s2 err = %v, want ErrExists", err)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	s := &Session{Name: "gone", Workspace: "/gone"}
	r.Add(s)
	r.Remove("gone")
	if _, ok := r.Resolve("gone"); ok {
		t.Error("expected session to be gone after Remove")
	}
	if _, ok := r.Resolve("/gone"); ok {
		t.Error("expected workspace index entry to be gone after Remove")
	}
}
