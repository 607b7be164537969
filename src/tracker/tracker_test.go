package tracker

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	cm "github.com/mosaicnetworks/shardcast/src/common"
	"github.com/mosaicnetworks/shardcast/src/crypto"
	"github.com/mosaicnetworks/shardcast/src/erasure"
	"github.com/mosaicnetworks/shardcast/src/priority"
	"github.com/mosaicnetworks/shardcast/src/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	*Tracker
	clock *ManualClock

	mu         sync.Mutex
	resent     []Slot
	deliveries []Delivery
	failures   []Failure
}

func newHarness(t *testing.T, conf Config) *harness {
	clock := NewManualClock(epoch)
	h := &harness{
		Tracker: NewTracker(conf, clock, cm.NewTestEntry(t, cm.TestLogLevel)),
		clock:   clock,
	}
	h.SetResender(func(id [32]byte, s Slot) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.resent = append(h.resent, s)
	})
	h.OnDeliver(func(d Delivery) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.deliveries = append(h.deliveries, d)
	})
	h.OnFailure(func(f Failure) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.failures = append(h.failures, f)
	})
	t.Cleanup(h.Close)
	return h
}

func (h *harness) takeResent() []Slot {
	h.mu.Lock()
	defer h.mu.Unlock()
	res := h.resent
	h.resent = nil
	return res
}

func (h *harness) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.deliveries), len(h.failures)
}

func testConfig() Config {
	return Config{
		RetryTimeout:   100 * time.Millisecond,
		Backoff:        2,
		MaxRetries:     3,
		InboundTimeout: time.Second,
		MaxInFlight:    2,
		DedupWindow:    time.Minute,
		DedupCapacity:  100,
	}
}

func id(s string) [32]byte {
	return crypto.Blake2b256([]byte(s))
}

// erasurePlan has d+p bearers b0..b{d+p-1} and standby s0..s{standby-1}.
func erasurePlan(name string, d, p, standby int) Plan {
	a := &relay.Assignment{
		MessageID:    id(name),
		Strategy:     priority.ErasureRelay,
		DataShards:   d,
		ParityShards: p,
	}
	for i := 0; i < d+p; i++ {
		a.Relays = append(a.Relays, relay.Relay{ID: fmt.Sprintf("b%d", i), Role: relay.RoleShardBearer, ShardIndex: i})
	}
	for i := 0; i < standby; i++ {
		a.Standby = append(a.Standby, fmt.Sprintf("s%d", i))
	}
	return Plan{
		MessageType: priority.BlockData,
		Priority:    priority.Normal,
		Assignment:  a,
	}
}

func directPlan(name string, n int) Plan {
	a := &relay.Assignment{
		MessageID: id(name),
		Strategy:  priority.Direct,
	}
	for i := 0; i < n; i++ {
		a.Relays = append(a.Relays, relay.Relay{ID: fmt.Sprintf("v%d", i), Role: relay.RoleDirect, ShardIndex: -1})
	}
	return Plan{
		MessageType: priority.Vote,
		Priority:    priority.Critical,
		Assignment:  a,
	}
}

func TestOutboundCompletesWhenAllSlotsAcked(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := erasurePlan("m", 2, 1, 2)
	mid := plan.Assignment.MessageID

	require.NoError(t, h.Track(plan))

	watch, err := h.Watch(mid)
	require.NoError(t, err)

	status, err := h.Status(mid)
	require.NoError(t, err)
	assert.Equal(t, Pending, status)

	h.Ack(mid, "b0", 0)
	status, _ = h.Status(mid)
	assert.Equal(t, Partial, status)

	// wrong index or unknown peer are ignored
	h.Ack(mid, "b1", 0)
	h.Ack(mid, "x", 1)
	rec, err := h.Record(mid)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, rec.Acked)

	h.Ack(mid, "b1", 1)
	h.Ack(mid, "b2", 2)

	assert.Equal(t, Complete, <-watch)
	_, open := <-watch
	assert.False(t, open)

	assert.Equal(t, 0, h.Stats().InFlight)
	assert.Equal(t, 0, h.clock.Pending(), "retry timer should be cancelled")

	deliveries, failures := h.counts()
	assert.Equal(t, 1, deliveries)
	assert.Equal(t, 0, failures)
}

func TestRetrySubstitutesStandby(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := erasurePlan("m", 2, 2, 3)
	mid := plan.Assignment.MessageID

	require.NoError(t, h.Track(plan))

	h.Ack(mid, "b0", 0)
	h.Ack(mid, "b1", 1)
	h.Nack(mid, "b2", 2)

	// first round after RetryTimeout
	h.clock.Advance(100 * time.Millisecond)

	resent := h.takeResent()
	require.Len(t, resent, 2)
	assert.Equal(t, Slot{Peer: "s0", Role: relay.RoleShardBearer, Index: 2}, resent[0])
	assert.Equal(t, Slot{Peer: "s1", Role: relay.RoleShardBearer, Index: 3}, resent[1])

	rec, err := h.Record(mid)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Retries)
	assert.ElementsMatch(t, []string{"b2", "b3"}, rec.Failed)

	// an ack from the replaced bearer no longer counts
	h.Ack(mid, "b2", 2)
	rec, _ = h.Record(mid)
	assert.Equal(t, []int{0, 1}, rec.Acked)

	h.Ack(mid, "s0", 2)

	// second round after RetryTimeout*Backoff, only index 3 remains
	h.clock.Advance(199 * time.Millisecond)
	assert.Empty(t, h.takeResent())
	h.clock.Advance(time.Millisecond)

	resent = h.takeResent()
	require.Len(t, resent, 1)
	assert.Equal(t, "s2", resent[0].Peer)
	assert.Equal(t, 3, resent[0].Index)

	for _, s := range resent {
		assert.NotContains(t, []string{"b2", "b3", "s1"}, s.Peer)
	}

	h.Ack(mid, "s2", 3)
	status, _ := h.Status(mid)
	assert.Equal(t, Complete, status)
}

func TestRetriesExhaustedFails(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := erasurePlan("m", 3, 1, 1)
	mid := plan.Assignment.MessageID

	require.NoError(t, h.Track(plan))
	h.Ack(mid, "b0", 0)

	watch, err := h.Watch(mid)
	require.NoError(t, err)

	// rounds at 100ms, 300ms and 700ms, finalized at 1500ms
	h.clock.Advance(1499 * time.Millisecond)
	status, _ := h.Status(mid)
	assert.False(t, status.Finished())

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, Failed, <-watch)

	rec, err := h.Record(mid)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Retries)
	assert.True(t, cm.Is(rec.Reason, cm.DeliveryFailed), "%v", rec.Reason)

	deliveries, failures := h.counts()
	assert.Equal(t, 0, deliveries)
	assert.Equal(t, 1, failures)
	assert.Equal(t, 0, h.Stats().InFlight)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestSubstituteFromAcknowledgedBearers(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := erasurePlan("m", 2, 2, 1)
	mid := plan.Assignment.MessageID

	require.NoError(t, h.Track(plan))
	h.Ack(mid, "b0", 0)
	h.Ack(mid, "b1", 1)

	h.clock.Advance(100 * time.Millisecond)

	rec, err := h.Record(mid)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b2", "b3"}, rec.Failed)

	// standby first, then a bearer that acknowledged its own shard
	resent := h.takeResent()
	require.Len(t, resent, 2)
	assert.Equal(t, Slot{Peer: "s0", Role: relay.RoleShardBearer, Index: 2}, resent[0])
	assert.Equal(t, Slot{Peer: "b0", Role: relay.RoleShardBearer, Index: 3}, resent[1])

	h.Ack(mid, "s0", 2)
	h.Ack(mid, "b0", 3)

	status, _ := h.Status(mid)
	assert.Equal(t, Complete, status)
}

func TestSubstitutesAreNeverFailedPeers(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := erasurePlan("m", 3, 3, 0)
	mid := plan.Assignment.MessageID

	require.NoError(t, h.Track(plan))
	h.Ack(mid, "b0", 0)
	h.Ack(mid, "b1", 1)

	for i := 0; i < 20; i++ {
		h.clock.Advance(100 * time.Millisecond)

		rec, err := h.Record(mid)
		require.NoError(t, err)
		for _, s := range h.takeResent() {
			assert.NotContains(t, rec.Failed, s.Peer)
			assert.Contains(t, []string{"b0", "b1"}, s.Peer)
		}
	}

	// b0 and b1 took shards they never acknowledged, then nobody was left
	rec, err := h.Record(mid)
	require.NoError(t, err)
	assert.Equal(t, Failed, rec.Status)
	assert.ElementsMatch(t, []string{"b0", "b1", "b2", "b3", "b4", "b5"}, rec.Failed)
}

func TestOriginIsNeverSubstitute(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := erasurePlan("m", 2, 1, 0)
	plan.Origin = "b0"
	mid := plan.Assignment.MessageID

	require.NoError(t, h.Track(plan))
	h.Ack(mid, "b0", 0)

	h.clock.Advance(100 * time.Millisecond)
	assert.Empty(t, h.takeResent())

	h.clock.Advance(time.Minute)
	status, _ := h.Status(mid)
	assert.Equal(t, Failed, status)
}

func TestFinalizeReconstructable(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := erasurePlan("m", 2, 2, 0)
	mid := plan.Assignment.MessageID

	require.NoError(t, h.Track(plan))
	h.Ack(mid, "b0", 0)
	h.Ack(mid, "b3", 3)

	h.clock.Advance(100 * time.Millisecond)

	// without standby, the acknowledged bearers take the missing shards
	resent := h.takeResent()
	require.Len(t, resent, 2)
	assert.Equal(t, Slot{Peer: "b0", Role: relay.RoleShardBearer, Index: 1}, resent[0])
	assert.Equal(t, Slot{Peer: "b3", Role: relay.RoleShardBearer, Index: 2}, resent[1])

	h.clock.Advance(time.Minute)

	rec, err := h.Record(mid)
	require.NoError(t, err)
	assert.Equal(t, Complete, rec.Status)
	assert.Equal(t, 3, rec.Retries)
	assert.Equal(t, []int{0, 3}, rec.Acked)
}

func hybridPlan(name string, d, p, directs int) Plan {
	plan := erasurePlan(name, d, p, 0)
	plan.Assignment.Strategy = priority.Hybrid
	plan.MessageType = priority.BlockProposal
	plan.Priority = priority.High
	for i := 0; i < directs; i++ {
		plan.Assignment.Relays = append(plan.Assignment.Relays,
			relay.Relay{ID: fmt.Sprintf("d%d", i), Role: relay.RoleDirect, ShardIndex: -1})
	}
	return plan
}

func TestHybridNeedsDataShardBearers(t *testing.T) {
	h := newHarness(t, testConfig())

	// direct recipients do not forward, their acks alone are not enough
	plan := hybridPlan("directs-only", 2, 1, 2)
	mid := plan.Assignment.MessageID
	require.NoError(t, h.Track(plan))
	h.Ack(mid, "d0", -1)
	h.Ack(mid, "d1", -1)
	h.Ack(mid, "b0", 0)

	h.clock.Advance(time.Minute)

	rec, err := h.Record(mid)
	require.NoError(t, err)
	assert.Equal(t, Failed, rec.Status)
	assert.True(t, cm.Is(rec.Reason, cm.DeliveryFailed), "%v", rec.Reason)

	// DataShards bearers are enough even if a direct recipient is silent
	plan = hybridPlan("bearers", 2, 1, 1)
	mid = plan.Assignment.MessageID
	require.NoError(t, h.Track(plan))
	h.Ack(mid, "b0", 0)
	h.Ack(mid, "b2", 2)

	h.clock.Advance(time.Minute)

	status, err := h.Status(mid)
	require.NoError(t, err)
	assert.Equal(t, Complete, status)
}

func TestTickRacingCloseDoesNotRearm(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := erasurePlan("m", 2, 1, 1)
	mid := plan.Assignment.MessageID

	require.NoError(t, h.Track(plan))
	r := h.lookup(key{mid, Outbound})
	require.NotNil(t, r)

	r.Lock()

	ticked := make(chan struct{})
	go func() {
		h.clock.Advance(100 * time.Millisecond)
		close(ticked)
	}()
	// the due timer is taken off the clock before its tick runs
	require.Eventually(t, func() bool { return h.clock.Pending() == 0 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		h.Close()
		close(closed)
	}()
	require.Eventually(t, h.closed.Load, time.Second, time.Millisecond)

	r.Unlock()
	<-ticked
	<-closed

	assert.Equal(t, 0, h.clock.Pending())
	assert.Empty(t, h.takeResent())

	rec, err := h.Record(mid)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Retries)
}

func TestDirectSlotsRetrySamePeer(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := directPlan("vote", 3)
	mid := plan.Assignment.MessageID

	require.NoError(t, h.Track(plan))
	h.Ack(mid, "v0", -1)
	h.Ack(mid, "v2", -1)

	h.clock.Advance(100 * time.Millisecond)
	resent := h.takeResent()
	require.Len(t, resent, 1)
	assert.Equal(t, Slot{Peer: "v1", Role: relay.RoleDirect, Index: -1}, resent[0])

	h.Ack(mid, "v1", -1)
	status, _ := h.Status(mid)
	assert.Equal(t, Complete, status)
}

func TestCriticalFailureIsReported(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := directPlan("vote", 2)

	require.NoError(t, h.Track(plan))
	h.clock.Advance(time.Minute)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.failures, 1)
	assert.Equal(t, priority.Critical, h.failures[0].Priority)
	assert.Equal(t, Outbound, h.failures[0].Direction)
	assert.True(t, cm.Is(h.failures[0].Err, cm.DeliveryFailed))
}

func TestOverloaded(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.Track(erasurePlan("a", 2, 1, 0)))
	require.NoError(t, h.Track(erasurePlan("b", 2, 1, 0)))

	err := h.Track(erasurePlan("c", 2, 1, 0))
	assert.True(t, cm.Is(err, cm.Overloaded), "%v", err)

	// direct messages are not subject to the limit
	require.NoError(t, h.Track(directPlan("vote", 2)))

	mid := id("a")
	for i := 0; i < 3; i++ {
		h.Ack(mid, fmt.Sprintf("b%d", i), i)
	}
	assert.NoError(t, h.Track(erasurePlan("c", 2, 1, 0)))
}

func TestDuplicateTrack(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.Track(erasurePlan("a", 2, 1, 0)))
	err := h.Track(erasurePlan("a", 2, 1, 0))
	assert.True(t, cm.Is(err, cm.DuplicateMessage), "%v", err)
}

func encode(t *testing.T, payload []byte, d, p int) *erasure.ShardSet {
	codec, err := erasure.NewCodec(d, p)
	require.NoError(t, err)
	set, err := codec.Encode(payload)
	require.NoError(t, err)
	return set
}

func arrival(mid [32]byte, set *erasure.ShardSet, i int) ShardArrival {
	return ShardArrival{
		MessageID:   mid,
		MessageType: priority.BlockData,
		From:        fmt.Sprintf("b%d", i),
		Shard:       set.Shards[i],
		Meta:        set.Metadata,
	}
}

func TestInboundReconstructs(t *testing.T) {
	h := newHarness(t, testConfig())
	payload := bytes.Repeat([]byte("shardcast"), 1000)
	set := encode(t, payload, 4, 2)
	mid := id("inbound")

	for _, i := range []int{5, 1, 1, 3} {
		status, err := h.OnShard(arrival(mid, set, i))
		require.NoError(t, err)
		assert.Equal(t, Partial, status)
	}

	watch, err := h.Watch(mid)
	require.NoError(t, err)

	status, err := h.OnShard(arrival(mid, set, 4))
	require.NoError(t, err)
	assert.Equal(t, Complete, status)
	assert.Equal(t, Complete, <-watch)

	got, ok := h.Payload(mid)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	h.mu.Lock()
	require.Len(t, h.deliveries, 1)
	assert.Equal(t, Inbound, h.deliveries[0].Direction)
	assert.Equal(t, payload, h.deliveries[0].Payload)
	h.mu.Unlock()

	// later shards and direct copies are duplicates, no new callbacks
	_, err = h.OnShard(arrival(mid, set, 0))
	assert.True(t, cm.Is(err, cm.DuplicateMessage), "%v", err)
	_, err = h.OnDirect(mid, priority.BlockData, payload)
	assert.True(t, cm.Is(err, cm.DuplicateMessage), "%v", err)

	deliveries, failures := h.counts()
	assert.Equal(t, 1, deliveries)
	assert.Equal(t, 0, failures)
	assert.Equal(t, uint64(2), h.Stats().Duplicates)
}

func TestInboundRejectsInvalidShards(t *testing.T) {
	h := newHarness(t, testConfig())
	set := encode(t, []byte("some payload that spans shards"), 3, 2)
	mid := id("inbound")

	bad := arrival(mid, set, 0)
	bad.Shard.Data = bad.Shard.Data[1:]
	_, err := h.OnShard(bad)
	assert.True(t, cm.Is(err, cm.InvalidShard), "%v", err)

	_, err = h.OnShard(arrival(mid, set, 0))
	require.NoError(t, err)

	// same message, different code
	other := encode(t, []byte("some payload that spans shards"), 2, 3)
	_, err = h.OnShard(arrival(mid, other, 1))
	assert.True(t, cm.Is(err, cm.InvalidShard), "%v", err)
}

func TestInboundTimeout(t *testing.T) {
	h := newHarness(t, testConfig())
	set := encode(t, []byte("payload"), 3, 2)
	mid := id("inbound")

	_, err := h.OnShard(arrival(mid, set, 0))
	require.NoError(t, err)

	h.clock.Advance(999 * time.Millisecond)
	status, _ := h.Status(mid)
	assert.Equal(t, Partial, status)

	h.clock.Advance(time.Millisecond)

	rec, err := h.RecordOf(mid, Inbound)
	require.NoError(t, err)
	assert.Equal(t, Failed, rec.Status)
	assert.True(t, cm.Is(rec.Reason, cm.DeliveryTimeout), "%v", rec.Reason)

	// status is monotone
	_, err = h.OnShard(arrival(mid, set, 1))
	assert.True(t, cm.Is(err, cm.DuplicateMessage), "%v", err)
	status, _ = h.Status(mid)
	assert.Equal(t, Failed, status)
}

func TestOnDirectCompletesPartialRecord(t *testing.T) {
	h := newHarness(t, testConfig())
	payload := []byte("block proposal")
	set := encode(t, payload, 3, 2)
	mid := id("hybrid")

	_, err := h.OnShard(arrival(mid, set, 0))
	require.NoError(t, err)

	status, err := h.OnDirect(mid, priority.BlockProposal, payload)
	require.NoError(t, err)
	assert.Equal(t, Complete, status)

	_, err = h.OnShard(arrival(mid, set, 1))
	assert.True(t, cm.Is(err, cm.DuplicateMessage))

	deliveries, _ := h.counts()
	assert.Equal(t, 1, deliveries)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestDedupWindowAndCapacity(t *testing.T) {
	conf := testConfig()
	conf.DedupCapacity = 2
	h := newHarness(t, conf)

	for _, name := range []string{"a", "b", "c"} {
		_, err := h.OnDirect(id(name), priority.Vote, []byte(name))
		require.NoError(t, err)
	}

	// "a" was evicted to keep at most 2 finished records
	_, err := h.Status(id("a"))
	assert.True(t, cm.Is(err, cm.UnknownMessage), "%v", err)

	_, err = h.OnDirect(id("b"), priority.Vote, []byte("b"))
	assert.True(t, cm.Is(err, cm.DuplicateMessage), "%v", err)

	// past the window everything is forgotten
	h.clock.Advance(conf.DedupWindow + time.Second)
	_, err = h.OnDirect(id("d"), priority.Vote, []byte("d"))
	require.NoError(t, err)

	_, err = h.Status(id("b"))
	assert.True(t, cm.Is(err, cm.UnknownMessage), "%v", err)
	_, err = h.Status(id("c"))
	assert.True(t, cm.Is(err, cm.UnknownMessage), "%v", err)

	assert.Equal(t, uint64(3), h.Stats().Evicted)
}

func TestWatchUnknown(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.Watch(id("nothing"))
	assert.True(t, cm.Is(err, cm.UnknownMessage))
}

func TestConcurrentAcks(t *testing.T) {
	h := newHarness(t, testConfig())
	plan := erasurePlan("m", 10, 5, 0)
	mid := plan.Assignment.MessageID
	require.NoError(t, h.Track(plan))

	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.Ack(mid, fmt.Sprintf("b%d", i), i)
			h.Ack(mid, fmt.Sprintf("b%d", i), i)
		}(i)
	}
	wg.Wait()

	status, _ := h.Status(mid)
	assert.Equal(t, Complete, status)

	deliveries, _ := h.counts()
	assert.Equal(t, 1, deliveries)
}

func TestRealClockTimersStop(t *testing.T) {
	tr := NewTracker(testConfig(), nil, cm.NewTestEntry(t, cm.TestLogLevel))
	require.NoError(t, tr.Track(erasurePlan("m", 2, 1, 0)))
	tr.Close()

	err := tr.Track(erasurePlan("n", 2, 1, 0))
	assert.Error(t, err)
}
