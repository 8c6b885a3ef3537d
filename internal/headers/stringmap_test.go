package headers

import (
	"reflect"
	"testing"
)

func TestAddAndEqualRange(t *testing.T) {
	m := New()
	m.Add("X-Foo", "1")
	m.Add("x-foo", "2")
	m.Add("Other", "x")
	got := m.EqualRange("X-FOO")
	want := []string{"1", "2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("EqualRange = %v, want %v", got, want)
	}
}

func TestSetReplacesFirstAndDropsRest(t *testing.T) {
	m := New()
	m.Add("A", "1")
	m.Add("A", "2")
	prev, had := m.Set("a", "3")
	if !had || prev != "1" {
		t.Fatalf("Set previous = %q,%v want 1,true", prev, had)
	}
	if got := m.EqualRange("A"); !reflect.DeepEqual(got, []string{"3"}) {
		t.Fatalf("EqualRange after Set = %v", got)
	}
}

func TestSecureSet(t *testing.T) {
	m := New()
	m.Add("X-Cm4all-Beng-User", "attacker")
	m.Add("x-cm4all-beng-user", "attacker2")
	m.SecureSet("X-CM4all-Beng-User", "trusted")
	if got := m.EqualRange("x-cm4all-beng-user"); !reflect.DeepEqual(got, []string{"trusted"}) {
		t.Fatalf("SecureSet result = %v", got)
	}
	m.SecureSet("x-cm4all-beng-user", "")
	if m.Contains("X-CM4all-Beng-User") {
		t.Fatal("expected SecureSet with empty value to remove all entries")
	}
}

func TestInsertionOrderPreserved(t *testing.T) {
	m := New()
	m.Add("A", "1")
	m.Add("B", "2")
	m.Add("A", "3")
	var keys []string
	m.ForEachAll(func(k, v string) { keys = append(keys, k+"="+v) })
	want := []string{"a=1", "b=2", "a=3"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("order = %v, want %v", keys, want)
	}
}

func TestPrefixCopyFrom(t *testing.T) {
	src := New()
	src.Add("X-CM4all-Beng-User", "u")
	src.Add("X-CM4all-Beng-Peer-Subject", "s")
	src.Add("Other", "o")
	dst := New()
	dst.PrefixCopyFrom(src, "X-CM4all-Beng-")
	if dst.Len() != 2 {
		t.Fatalf("PrefixCopyFrom copied %d entries, want 2", dst.Len())
	}
}
