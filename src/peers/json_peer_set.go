package peers

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

const jsonValidatorsPath = "validators.json"

// JSONValidatorSet is used to provide validator persistence on disk in the
// form of a JSON file.
type JSONValidatorSet struct {
	l    sync.Mutex
	path string
}

// NewJSONValidatorSet creates a new JSONValidatorSet with reference to a base
// directory where the JSON file resides.
func NewJSONValidatorSet(base string) *JSONValidatorSet {
	return &JSONValidatorSet{
		path: filepath.Join(base, jsonValidatorsPath),
	}
}

// ValidatorSet parses the underlying JSON file and returns the corresponding
// ValidatorSet.
func (j *JSONValidatorSet) ValidatorSet() (*ValidatorSet, error) {
	j.l.Lock()
	defer j.l.Unlock()

	// Read the file
	buf, err := os.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	// Check for no validators
	if len(buf) == 0 {
		return nil, nil
	}

	// Decode the validators
	var validators []*Validator
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&validators); err != nil {
		return nil, err
	}

	return NewValidatorSet(validators)
}

// Write persists a list of validators to a JSON file.
func (j *JSONValidatorSet) Write(validators []*Validator) error {
	j.l.Lock()
	defer j.l.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(validators); err != nil {
		return err
	}

	return os.WriteFile(j.path, buf.Bytes(), 0644)
}
