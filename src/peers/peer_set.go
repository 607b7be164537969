package peers

import (
	"fmt"
	"sort"
)

//ValidatorSet is an immutable set of Validators sorted by id.
type ValidatorSet struct {
	Validators []*Validator          `json:"validators"`
	ByID       map[string]*Validator `json:"-"`
	ByAddr     map[string]*Validator `json:"-"`
}

/* Constructors */

//NewValidatorSet creates a new ValidatorSet from a list of Validators. Ids must
//be non-empty and unique.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	set := &ValidatorSet{
		ByID:   make(map[string]*Validator),
		ByAddr: make(map[string]*Validator),
	}

	sorted := make([]*Validator, 0, len(validators))
	for _, v := range validators {
		if v.ID == "" {
			return nil, fmt.Errorf("validator with address %q has no id", v.NetAddr)
		}
		if _, ok := set.ByID[v.ID]; ok {
			return nil, fmt.Errorf("duplicate validator id %q", v.ID)
		}
		set.ByID[v.ID] = v
		if v.NetAddr != "" {
			set.ByAddr[v.NetAddr] = v
		}
		sorted = append(sorted, v)
	}

	sort.Sort(ByID(sorted))
	set.Validators = sorted

	return set, nil
}

//WithNewValidator returns a new ValidatorSet including the provided validator.
//An existing validator with the same id is replaced.
func (s *ValidatorSet) WithNewValidator(v *Validator) (*ValidatorSet, error) {
	validators := make([]*Validator, 0, len(s.Validators)+1)
	for _, old := range s.Validators {
		if old.ID != v.ID {
			validators = append(validators, old)
		}
	}
	validators = append(validators, v)
	return NewValidatorSet(validators)
}

/* ToSlice Methods */

//IDs returns the sorted ids of the set
func (s *ValidatorSet) IDs() []string {
	res := make([]string, 0, len(s.Validators))
	for _, v := range s.Validators {
		res = append(res, v.ID)
	}
	return res
}

/* Utilities */

//Len returns the number of Validators in the set
func (s *ValidatorSet) Len() int {
	return len(s.Validators)
}

//Addr returns the network address of a validator
func (s *ValidatorSet) Addr(id string) (string, bool) {
	v, ok := s.ByID[id]
	if !ok || v.NetAddr == "" {
		return "", false
	}
	return v.NetAddr, true
}

// ByID implements sort.Interface for Validators based on the ID field.
type ByID []*Validator

func (a ByID) Len() int           { return len(a) }
func (a ByID) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a ByID) Less(i, j int) bool { return a[i].ID < a[j].ID }
