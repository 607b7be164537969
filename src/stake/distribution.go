package stake

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mosaicnetworks/shardcast/src/peers"
	"github.com/ugorji/go/codec"
)

// Entry is the stake of a single validator in a Distribution, together with
// the network zone it declared for the epoch.
type Entry struct {
	ID    string
	Stake uint64
	Zone  string
}

// Distribution is an immutable snapshot of the stake held by each validator
// during one epoch. It is replaced wholesale at epoch boundaries and never
// modified after construction, so it can be shared between goroutines without
// locking.
type Distribution struct {
	epoch    uint64
	notAfter time.Time
	entries  []Entry
	index    map[string]int
	total    uint64
	active   []Entry
}

// NewDistribution creates a snapshot for the given epoch. Entries are copied
// and sorted by id. A zero notAfter means the snapshot never expires on its
// own and only becomes stale when a later epoch is installed.
func NewDistribution(epoch uint64, notAfter time.Time, entries []Entry) (*Distribution, error) {
	d := &Distribution{
		epoch:    epoch,
		notAfter: notAfter,
		entries:  make([]Entry, len(entries)),
		index:    make(map[string]int, len(entries)),
	}

	copy(d.entries, entries)
	sort.Slice(d.entries, func(i, j int) bool { return d.entries[i].ID < d.entries[j].ID })

	for i, e := range d.entries {
		if e.ID == "" {
			return nil, fmt.Errorf("epoch %d: entry %d has no id", epoch, i)
		}
		if _, ok := d.index[e.ID]; ok {
			return nil, fmt.Errorf("epoch %d: duplicate entry for %q", epoch, e.ID)
		}
		if d.total > math.MaxUint64-e.Stake {
			return nil, fmt.Errorf("epoch %d: total stake overflows", epoch)
		}
		d.index[e.ID] = i
		d.total += e.Stake
		if e.Stake > 0 {
			d.active = append(d.active, e)
		}
	}

	if len(d.entries) > 0 && d.total == 0 {
		return nil, fmt.Errorf("epoch %d: total stake is zero", epoch)
	}

	return d, nil
}

// FromValidatorSet builds a Distribution from the stakes and zones declared in
// a validator set.
func FromValidatorSet(epoch uint64, notAfter time.Time, set *peers.ValidatorSet) (*Distribution, error) {
	entries := make([]Entry, 0, set.Len())
	for _, v := range set.Validators {
		entries = append(entries, Entry{ID: v.ID, Stake: v.Stake, Zone: v.Zone})
	}
	return NewDistribution(epoch, notAfter, entries)
}

// Epoch identifies the snapshot. Epochs are strictly increasing.
func (d *Distribution) Epoch() uint64 {
	return d.epoch
}

// NotAfter returns the instant after which the snapshot is expired.
func (d *Distribution) NotAfter() time.Time {
	return d.notAfter
}

// Expired reports whether the snapshot's validity period has ended.
func (d *Distribution) Expired(now time.Time) bool {
	return !d.notAfter.IsZero() && now.After(d.notAfter)
}

// Total returns the sum of all stakes.
func (d *Distribution) Total() uint64 {
	return d.total
}

// Len returns the number of entries, including validators with no stake.
func (d *Distribution) Len() int {
	return len(d.entries)
}

// Entries returns a copy of all entries, sorted by id.
func (d *Distribution) Entries() []Entry {
	res := make([]Entry, len(d.entries))
	copy(res, d.entries)
	return res
}

// Active returns a copy of the entries with a positive stake, sorted by id.
func (d *Distribution) Active() []Entry {
	res := make([]Entry, len(d.active))
	copy(res, d.active)
	return res
}

// Lookup returns the entry of a validator.
func (d *Distribution) Lookup(id string) (Entry, bool) {
	i, ok := d.index[id]
	if !ok {
		return Entry{}, false
	}
	return d.entries[i], true
}

// Fraction returns the share of the total stake held by a validator, or 0 if
// it is unknown.
func (d *Distribution) Fraction(id string) float64 {
	e, ok := d.Lookup(id)
	if !ok || d.total == 0 {
		return 0
	}
	return float64(e.Stake) / float64(d.total)
}

type distributionJSON struct {
	Epoch    uint64
	NotAfter time.Time
	Entries  []Entry
}

// Marshal encodes the snapshot in JSON.
func (d *Distribution) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(distributionJSON{
		Epoch:    d.epoch,
		NotAfter: d.notAfter,
		Entries:  d.entries,
	}); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// UnmarshalDistribution decodes a snapshot produced by Marshal and checks its
// invariants again.
func UnmarshalDistribution(data []byte) (*Distribution, error) {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	dec := codec.NewDecoder(b, jh)

	var raw distributionJSON
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	return NewDistribution(raw.Epoch, raw.NotAfter, raw.Entries)
}
