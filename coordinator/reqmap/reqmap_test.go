package reqmap

import "testing"

func TestPutGetDelete(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := m.Put("req-1", "inst-a"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := m.Get("req-1")
	if !ok || got != "inst-a" {
		t.Fatalf("Get = (%q, %v), want (inst-a, true)", got, ok)
	}

	m.Delete("req-1")
	if _, ok := m.Get("req-1"); ok {
		t.Fatal("expected Get to miss after Delete")
	}
}

func TestMayHaveRequestsAndClearAll(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if m.MayHaveRequests("inst-a") {
		t.Fatal("expected no false positive before any Put")
	}
	if err := m.Put("req-1", "inst-a"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !m.MayHaveRequests("inst-a") {
		t.Fatal("expected MayHaveRequests to be true after Put")
	}

	if err := m.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected 0 entries after ClearAll, got %d", m.Len())
	}
}
