package peers

import (
	"reflect"
	"testing"
)

func TestNewValidatorSetSorts(t *testing.T) {
	set, err := NewValidatorSet([]*Validator{
		NewValidator("charlie", "addr3", "eu", 10),
		NewValidator("alice", "addr1", "us", 10),
		NewValidator("bob", "addr2", "eu", 10),
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	expected := []string{"alice", "bob", "charlie"}
	if !reflect.DeepEqual(set.IDs(), expected) {
		t.Fatalf("IDs should be %v, not %v", expected, set.IDs())
	}

	addr, ok := set.Addr("bob")
	if !ok || addr != "addr2" {
		t.Fatalf("Addr(bob) should be addr2, not %q", addr)
	}

	if _, ok := set.Addr("dave"); ok {
		t.Fatalf("dave should not have an address")
	}
}

func TestNewValidatorSetRejectsDuplicates(t *testing.T) {
	_, err := NewValidatorSet([]*Validator{
		NewValidator("alice", "addr1", "", 1),
		NewValidator("alice", "addr2", "", 1),
	})
	if err == nil {
		t.Fatalf("duplicate ids should be rejected")
	}

	_, err = NewValidatorSet([]*Validator{NewValidator("", "addr1", "", 1)})
	if err == nil {
		t.Fatalf("empty ids should be rejected")
	}
}

func TestWithNewValidatorReplaces(t *testing.T) {
	set, _ := NewValidatorSet([]*Validator{
		NewValidator("alice", "addr1", "", 1),
	})

	next, err := set.WithNewValidator(NewValidator("alice", "addr9", "", 1))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if next.Len() != 1 {
		t.Fatalf("set should still contain one validator, got %d", next.Len())
	}
	if addr, _ := next.Addr("alice"); addr != "addr9" {
		t.Fatalf("alice should have moved to addr9, not %q", addr)
	}
	if addr, _ := set.Addr("alice"); addr != "addr1" {
		t.Fatalf("original set should not change")
	}
}

func TestExcludeValidators(t *testing.T) {
	vs := []*Validator{
		NewValidator("a", "", "", 1),
		NewValidator("b", "", "", 1),
		NewValidator("c", "", "", 1),
	}
	others := ExcludeValidators(vs, "b", "z")
	if len(others) != 2 || others[0].ID != "a" || others[1].ID != "c" {
		t.Fatalf("unexpected result %v", others)
	}
}
