package shardcast

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	cm "github.com/mosaicnetworks/shardcast/src/common"
	"github.com/mosaicnetworks/shardcast/src/config"
	"github.com/mosaicnetworks/shardcast/src/net"
	"github.com/mosaicnetworks/shardcast/src/peers"
	"github.com/mosaicnetworks/shardcast/src/priority"
	"github.com/mosaicnetworks/shardcast/src/router"
	"github.com/mosaicnetworks/shardcast/src/stake"
	"github.com/mosaicnetworks/shardcast/src/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, dataDir, id string) *config.Config {
	conf := config.NewTestConfig(t, cm.TestLogLevel)
	conf.SetDataDir(dataDir)
	conf.DatabaseDir = filepath.Join(dataDir, config.DefaultBadgerFile)
	conf.ValidatorID = id
	conf.NoService = true
	conf.DataShards = 2
	conf.ParityShards = 1
	conf.DirectFanout = 1
	conf.RetryTimeout = 100 * time.Millisecond
	return conf
}

// newEngines writes a validators file in each data dir and initialises one
// engine per validator over in-memory transports.
func newEngines(t *testing.T, n int) []*Shardcast {
	transports := make([]*net.InmemTransport, n)
	validators := make([]*peers.Validator, n)
	for i := 0; i < n; i++ {
		addr, trans := net.NewInmemTransport("")
		transports[i] = trans
		validators[i] = peers.NewValidator(fmt.Sprintf("v%d", i), addr, fmt.Sprintf("zone-%d", i), uint64(10*(i+1)))
	}
	for i := range transports {
		for j := range transports {
			if i != j {
				transports[i].Connect(validators[j].NetAddr, transports[j])
			}
		}
	}

	engines := make([]*Shardcast, n)
	for i := 0; i < n; i++ {
		dir := t.TempDir()
		require.NoError(t, peers.NewJSONValidatorSet(dir).Write(validators))

		engine := NewShardcast(testConfig(t, dir, validators[i].ID))
		engine.Transport = transports[i]

		require.NoError(t, engine.Init())
		engine.RunAsync()

		engines[i] = engine
	}

	t.Cleanup(func() {
		for _, e := range engines {
			e.Shutdown()
		}
	})

	return engines
}

func waitPayload(t *testing.T, engines []*Shardcast, id [32]byte, payload []byte) {
	for i, e := range engines {
		e := e
		require.Eventuallyf(t, func() bool {
			p, ok := e.Router.Payload(id)
			return ok && bytes.Equal(p, payload)
		}, 5*time.Second, 5*time.Millisecond, "engine %d", i)
	}
}

func TestEngineRoutes(t *testing.T) {
	engines := newEngines(t, 4)

	vote := router.NewMessage(priority.Vote, 1, 1, []byte("vote"))
	receipt, err := engines[0].Route(context.Background(), vote)
	require.NoError(t, err)
	assert.Equal(t, priority.Direct, receipt.Strategy)
	waitPayload(t, engines, vote.ID, vote.Payload)

	block := make([]byte, 96*1024)
	for i := range block {
		block[i] = byte(i * 7)
	}
	data := router.NewMessage(priority.BlockData, 1, 1, block)
	receipt, err = engines[3].Route(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, priority.ErasureRelay, receipt.Strategy)
	assert.Len(t, receipt.Assignment.Bearers(), 3)
	waitPayload(t, engines, data.ID, data.Payload)
}

func TestInitErrors(t *testing.T) {
	// no validators file
	engine := NewShardcast(testConfig(t, t.TempDir(), "v0"))
	assert.Error(t, engine.Init())

	// not a validator
	dir := t.TempDir()
	addr, trans := net.NewInmemTransport("")
	defer trans.Close()
	require.NoError(t, peers.NewJSONValidatorSet(dir).Write([]*peers.Validator{
		peers.NewValidator("v0", addr, "", 1),
	}))
	engine = NewShardcast(testConfig(t, dir, "stranger"))
	engine.Transport = trans
	assert.Error(t, engine.Init())

	// invalid thresholds
	conf := testConfig(t, dir, "v0")
	conf.LargeThreshold = conf.SmallThreshold - 1
	engine = NewShardcast(conf)
	engine.Transport = trans
	assert.Error(t, engine.Init())
}

func TestStakesArePersisted(t *testing.T) {
	dir := t.TempDir()

	addr, trans := net.NewInmemTransport("")
	defer trans.Close()

	validators := []*peers.Validator{
		peers.NewValidator("v0", addr, "", 5),
		peers.NewValidator("v1", "elsewhere", "", 5),
	}
	require.NoError(t, peers.NewJSONValidatorSet(dir).Write(validators))

	conf := testConfig(t, dir, "v0")
	conf.Store = true

	engine := NewShardcast(conf)
	engine.Transport = trans
	require.NoError(t, engine.Init())

	next, err := stake.NewDistribution(3, time.Time{}, []stake.Entry{
		{ID: "v0", Stake: 5},
		{ID: "v1", Stake: 15},
	})
	require.NoError(t, err)

	feed := make(chan *stake.Distribution, 1)
	engine.FollowStakes(feed)
	feed <- next

	require.Eventually(t, func() bool {
		return engine.Stakes.Current().Epoch() == 3
	}, 5*time.Second, 5*time.Millisecond)

	engine.Shutdown()

	restarted := NewShardcast(conf)
	restarted.Transport = trans
	require.NoError(t, restarted.Init())
	defer restarted.Shutdown()

	assert.Equal(t, uint64(3), restarted.Stakes.Current().Epoch())
	assert.InDelta(t, 0.75, restarted.Stakes.Current().Fraction("v1"), 1e-9)
}

func TestAddressBookFollowsEpochs(t *testing.T) {
	dir := t.TempDir()

	addr, trans := net.NewInmemTransport("")
	defer trans.Close()

	v0 := peers.NewValidator("v0", addr, "", 5)
	require.NoError(t, peers.NewJSONValidatorSet(dir).Write([]*peers.Validator{v0}))

	engine := NewShardcast(testConfig(t, dir, "v0"))
	engine.Transport = trans
	require.NoError(t, engine.Init())
	defer engine.Shutdown()

	_, ok := engine.Router.Validators().Addr("v1")
	require.False(t, ok)

	// v1 joins: it is added to the validators file, then staked in epoch 1
	v1 := peers.NewValidator("v1", "addr-v1", "", 5)
	require.NoError(t, peers.NewJSONValidatorSet(dir).Write([]*peers.Validator{v0, v1}))

	next, err := stake.NewDistribution(1, time.Time{}, []stake.Entry{
		{ID: "v0", Stake: 5},
		{ID: "v1", Stake: 5},
	})
	require.NoError(t, err)

	feed := make(chan *stake.Distribution, 1)
	engine.FollowStakes(feed)
	feed <- next

	require.Eventually(t, func() bool {
		a, ok := engine.Router.Validators().Addr("v1")
		return ok && a == "addr-v1"
	}, 5*time.Second, 5*time.Millisecond)
}

func TestClockExpiresStakes(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := tracker.NewManualClock(start)

	addr, trans := net.NewInmemTransport("")
	defer trans.Close()
	require.NoError(t, peers.NewJSONValidatorSet(dir).Write([]*peers.Validator{
		peers.NewValidator("v0", addr, "", 1),
	}))

	engine := NewShardcast(testConfig(t, dir, "v0"))
	engine.Transport = trans
	engine.Clock = clock
	require.NoError(t, engine.Init())
	defer engine.Shutdown()

	epoch1, err := stake.NewDistribution(1, start.Add(time.Hour), []stake.Entry{{ID: "v0", Stake: 1}})
	require.NoError(t, err)
	require.NoError(t, engine.Stakes.Install(epoch1))

	vote := router.NewMessage(priority.Vote, 1, 1, []byte("vote"))
	_, err = engine.Route(context.Background(), vote)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := engine.Router.Status(vote.ID)
		return err == nil && st.Finished()
	}, 5*time.Second, 5*time.Millisecond)

	clock.Advance(2 * time.Hour)

	_, err = engine.Route(context.Background(), router.NewMessage(priority.Vote, 2, 1, []byte("vote")))
	assert.True(t, cm.Is(err, cm.StaleStakeSnapshot), "%v", err)
}
