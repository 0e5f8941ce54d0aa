package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/hiveswarm/dispatch/balancer"
	"github.com/hiveswarm/dispatch/directory"
	"github.com/hiveswarm/dispatch/rpc/rpctest"
	"github.com/hiveswarm/dispatch/schema"
)

type staticSource struct {
	records map[int]directory.Record
}

func (s staticSource) FetchLatest(ctx context.Context) (map[int]directory.Record, error) {
	return s.records, nil
}

func addr(t *testing.T) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	require.NoError(t, err)
	return a
}

const testSchema = `{"keywords":["x"],"forward_spec":{},"output_spec":{}}`

func TestCallReturnsOutputsOnSuccess(t *testing.T) {
	uid := peer.ID("peer-1")
	src := staticSource{records: map[int]directory.Record{
		0: {UID: uid, Addr: addr(t), Expiration: time.Now().Add(time.Hour)},
	}}
	b := balancer.New(balancer.Config{MaxRetries: 1}, src, &mclock.Simulated{})
	defer b.Shutdown()

	client := rpctest.New()
	client.Configure(uid, rpctest.PeerBehavior{
		Schema:  []byte(testSchema),
		Outputs: []byte("result"),
	})

	d := New(b, client, Config{})
	out, err := d.Call(context.Background(), Request{Keywords: []string{"x"}, BatchSize: 1.0})
	require.NoError(t, err)
	require.Equal(t, []byte("result"), out)
}

func TestCallRetriesPastAFailingPeer(t *testing.T) {
	bad := peer.ID("bad-peer")
	good := peer.ID("good-peer")
	src := staticSource{records: map[int]directory.Record{
		0: {UID: bad, Addr: addr(t), Expiration: time.Now().Add(time.Hour)},
		1: {UID: good, Addr: addr(t), Expiration: time.Now().Add(time.Hour)},
	}}
	b := balancer.New(balancer.Config{MaxRetries: 3}, src, &mclock.Simulated{})
	defer b.Shutdown()

	client := rpctest.New()
	client.Configure(bad, rpctest.PeerBehavior{Schema: []byte(testSchema), AlwaysFail: true})
	client.Configure(good, rpctest.PeerBehavior{Schema: []byte(testSchema), Outputs: []byte("ok")})

	d := New(b, client, Config{})
	out, err := d.Call(context.Background(), Request{Keywords: []string{"x"}, BatchSize: 1.0})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), out)
}

func TestCallPropagatesNoPeers(t *testing.T) {
	src := staticSource{records: map[int]directory.Record{}}
	b := balancer.New(balancer.Config{MaxRetries: 1}, src, &mclock.Simulated{})
	defer b.Shutdown()

	d := New(b, rpctest.New(), Config{})
	_, err := d.Call(context.Background(), Request{Keywords: []string{"x"}, BatchSize: 1.0})
	require.ErrorIs(t, err, balancer.ErrNoPeers)
}

func TestCallRejectsSchemaMismatchWithoutBanningPeer(t *testing.T) {
	uid := peer.ID("peer-1")
	src := staticSource{records: map[int]directory.Record{
		0: {UID: uid, Addr: addr(t), Expiration: time.Now().Add(time.Hour)},
	}}
	b := balancer.New(balancer.Config{MaxRetries: 1}, src, &mclock.Simulated{})
	defer b.Shutdown()

	client := rpctest.New()
	client.Configure(uid, rpctest.PeerBehavior{Schema: []byte(testSchema), Outputs: []byte("ok")})

	d := New(b, client, Config{})
	_, err := d.Call(context.Background(), Request{Keywords: []string{"unknown"}, BatchSize: 1.0})
	require.ErrorIs(t, err, schema.ErrSchemaMismatch)

	// The peer must still be usable: schema mismatch is a caller error.
	out, err := d.Call(context.Background(), Request{Keywords: []string{"x"}, BatchSize: 1.0})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), out)
}

func TestCallBackwardWithMultiplierReturnsOutputs(t *testing.T) {
	uid := peer.ID("peer-1")
	src := staticSource{records: map[int]directory.Record{
		0: {UID: uid, Addr: addr(t), Expiration: time.Now().Add(time.Hour)},
	}}
	b := balancer.New(balancer.Config{MaxRetries: 1}, src, &mclock.Simulated{})
	defer b.Shutdown()

	client := rpctest.New()
	client.Configure(uid, rpctest.PeerBehavior{Schema: []byte(testSchema), Outputs: []byte("ok")})

	d := New(b, client, Config{BackwardTaskSizeMultiplier: 2.0})
	out, err := d.CallBackward(context.Background(), Request{Keywords: []string{"x"}, BatchSize: 3.0})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), out)
}
