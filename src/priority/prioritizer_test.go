package priority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityTable(t *testing.T) {
	expected := map[MessageType]Priority{
		SignatureShare:      Critical,
		Vote:                Critical,
		BlockProposal:       High,
		CoordinationRequest: High,
		BlockData:           Normal,
		StateSync:           Low,
		Telemetry:           Low,
		MessageType(0):      Low,
		MessageType(200):    Low,
	}

	for mt, prio := range expected {
		assert.Equal(t, prio, PriorityOf(mt), "type %v", mt)
	}
}

func TestClassify(t *testing.T) {
	p := NewDefaultPrioritizer()

	cases := []struct {
		mt       MessageType
		size     int
		priority Priority
		strategy Strategy
	}{
		{SignatureShare, 512, Critical, Direct},
		{Vote, 0, Critical, Direct},
		{Vote, 1023, Critical, Direct},
		{Vote, 1024, Critical, Hybrid},
		{SignatureShare, 1 << 20, Critical, Hybrid},
		{BlockProposal, 10, High, Hybrid},
		{CoordinationRequest, 1 << 20, High, Hybrid},
		{BlockData, 100 * 1024, Normal, ErasureRelay},
		{BlockData, 64 * 1024, Normal, Hybrid},
		{BlockData, 64*1024 + 1, Normal, ErasureRelay},
		{StateSync, 100, Low, Hybrid},
		{Telemetry, 1 << 20, Low, ErasureRelay},
		{MessageType(99), 1 << 20, Low, ErasureRelay},
	}

	for _, c := range cases {
		prio, strat := p.Classify(c.mt, c.size)
		assert.Equal(t, c.priority, prio, "%v/%d", c.mt, c.size)
		assert.Equal(t, c.strategy, strat, "%v/%d", c.mt, c.size)
	}
}

func TestClassifyMonotone(t *testing.T) {
	p, err := NewPrioritizer(100, 1000)
	require.NoError(t, err)

	types := append(MessageTypes(), MessageType(0), MessageType(42))

	for _, mt := range types {
		prev := -1
		for size := 0; size <= 2000; size++ {
			prio, strat := p.Classify(mt, size)

			// total and consistent with the class of the type
			require.Equal(t, PriorityOf(mt), prio)
			require.Contains(t, []Strategy{Direct, Hybrid, ErasureRelay}, strat)

			if strat.Cost() < prev {
				t.Fatalf("%v: strategy cost decreased at size %d", mt, size)
			}
			prev = strat.Cost()
		}
	}
}

func TestNewPrioritizerValidation(t *testing.T) {
	_, err := NewPrioritizer(0, 10)
	assert.Error(t, err)

	_, err = NewPrioritizer(100, 10)
	assert.Error(t, err)

	p, err := NewPrioritizer(10, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, p.SmallThreshold())
	assert.Equal(t, 10, p.LargeThreshold())
}

func TestStrategyCostOrder(t *testing.T) {
	assert.Less(t, Direct.Cost(), Hybrid.Cost())
	assert.Less(t, Hybrid.Cost(), ErasureRelay.Cost())
	assert.False(t, Direct.Erasure())
	assert.True(t, Hybrid.Erasure())
	assert.True(t, ErasureRelay.Erasure())
}
