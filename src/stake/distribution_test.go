package stake

import (
	"testing"
	"time"

	"github.com/mosaicnetworks/shardcast/src/peers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDistribution(t *testing.T) {
	d, err := NewDistribution(3, time.Time{}, []Entry{
		{ID: "carol", Stake: 0, Zone: "eu"},
		{ID: "alice", Stake: 30, Zone: "us"},
		{ID: "bob", Stake: 10, Zone: "eu"},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(3), d.Epoch())
	assert.Equal(t, uint64(40), d.Total())
	assert.Equal(t, 3, d.Len())
	assert.InDelta(t, 0.75, d.Fraction("alice"), 1e-12)
	assert.InDelta(t, 0.25, d.Fraction("bob"), 1e-12)
	assert.Equal(t, 0.0, d.Fraction("carol"))
	assert.Equal(t, 0.0, d.Fraction("dave"))

	active := d.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "alice", active[0].ID)
	assert.Equal(t, "bob", active[1].ID)

	entries := d.Entries()
	entries[0].Stake = 1000
	e, _ := d.Lookup("alice")
	assert.Equal(t, uint64(30), e.Stake, "Entries must return a copy")
}

func TestNewDistributionInvariants(t *testing.T) {
	_, err := NewDistribution(1, time.Time{}, []Entry{{ID: "a", Stake: 0}})
	assert.Error(t, err, "zero total")

	_, err = NewDistribution(1, time.Time{}, []Entry{{ID: "a", Stake: 1}, {ID: "a", Stake: 2}})
	assert.Error(t, err, "duplicate")

	_, err = NewDistribution(1, time.Time{}, []Entry{{ID: "", Stake: 1}})
	assert.Error(t, err, "empty id")

	empty, err := NewDistribution(1, time.Time{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}

func TestDistributionExpiry(t *testing.T) {
	now := time.Now()
	d, err := NewDistribution(1, now.Add(time.Minute), []Entry{{ID: "a", Stake: 1}})
	require.NoError(t, err)

	assert.False(t, d.Expired(now))
	assert.True(t, d.Expired(now.Add(2*time.Minute)))

	forever, _ := NewDistribution(1, time.Time{}, []Entry{{ID: "a", Stake: 1}})
	assert.False(t, forever.Expired(now.Add(100*365*24*time.Hour)))
}

func TestDistributionMarshal(t *testing.T) {
	notAfter := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	d, err := NewDistribution(7, notAfter, []Entry{
		{ID: "b", Stake: 5, Zone: "eu"},
		{ID: "a", Stake: 9, Zone: "us"},
	})
	require.NoError(t, err)

	data, err := d.Marshal()
	require.NoError(t, err)

	back, err := UnmarshalDistribution(data)
	require.NoError(t, err)

	assert.Equal(t, d.Epoch(), back.Epoch())
	assert.True(t, d.NotAfter().Equal(back.NotAfter()))
	assert.Equal(t, d.Entries(), back.Entries())
	assert.Equal(t, d.Total(), back.Total())
}

func TestFromValidatorSet(t *testing.T) {
	set, err := peers.NewValidatorSet([]*peers.Validator{
		peers.NewValidator("a", "addr-a", "eu", 10),
		peers.NewValidator("b", "addr-b", "us", 30),
	})
	require.NoError(t, err)

	d, err := FromValidatorSet(0, time.Time{}, set)
	require.NoError(t, err)

	e, ok := d.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, "us", e.Zone)
	assert.InDelta(t, 0.75, d.Fraction("b"), 1e-12)
}
