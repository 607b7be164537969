package peers

import (
	"fmt"
	"reflect"
	"testing"
)

func TestJSONValidatorSet(t *testing.T) {
	dir := t.TempDir()

	// Create the store
	store := NewJSONValidatorSet(dir)

	// Try a read, should get nothing
	set, err := store.ValidatorSet()
	if err == nil {
		t.Fatalf("store.ValidatorSet() should generate an error")
	}
	if set != nil {
		t.Fatalf("set: %v", set)
	}

	validators := []*Validator{}
	for i := 0; i < 3; i++ {
		validators = append(validators, &Validator{
			ID:      fmt.Sprintf("validator%d", i),
			NetAddr: fmt.Sprintf("addr%d", i),
			Zone:    fmt.Sprintf("zone%d", i%2),
			Stake:   uint64(100 * (i + 1)),
			Moniker: fmt.Sprintf("node%d", i),
		})
	}

	if err := store.Write(validators); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Try a read, should find 3 validators
	set, err = store.ValidatorSet()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if set.Len() != 3 {
		t.Fatalf("set.Len() should be 3. Got %d", set.Len())
	}

	for i, v := range set.Validators {
		if !reflect.DeepEqual(v, validators[i]) {
			t.Fatalf("validator %d should be %#v, not %#v", i, validators[i], v)
		}
	}
}
