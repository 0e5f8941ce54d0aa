package directory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/stretchr/testify/require"
)

// fakeValueStore is a minimal routing.ValueStore backed by a single
// in-memory value, enough to exercise DHTSource without a real DHT.
type fakeValueStore struct {
	value []byte
	err   error
}

func (f *fakeValueStore) GetValue(ctx context.Context, key string, _ ...routing.Option) ([]byte, error) {
	return f.value, f.err
}

func (f *fakeValueStore) PutValue(ctx context.Context, key string, value []byte, _ ...routing.Option) error {
	f.value = value
	return nil
}

func (f *fakeValueStore) SearchValue(ctx context.Context, key string, _ ...routing.Option) (<-chan []byte, error) {
	ch := make(chan []byte, 1)
	ch <- f.value
	close(ch)
	return ch, nil
}

func testPeerID(t *testing.T, seed byte) peer.ID {
	t.Helper()
	// A deterministic, validly-encoded peer ID for test fixtures.
	id, err := peer.Decode("12D3KooWGRujyDSt1q5bZBEFyooKaCdF3JE2b4B3dJtGAQSNvUju")
	require.NoError(t, err)
	return id
}

func TestFetchLatestParsesGoodRecords(t *testing.T) {
	uid := testPeerID(t, 0)
	payload, err := json.Marshal([]wireRecord{
		{UID: uid.String(), Addr: "/ip4/127.0.0.1/tcp/4001", Expiration: time.Now().Add(time.Hour).Unix()},
	})
	require.NoError(t, err)

	src := NewDHTSource(&fakeValueStore{value: payload}, "directory-key")
	records, err := src.FetchLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uid, records[0].UID)
}

func TestFetchLatestSkipsMalformedRecordsButKeepsGoodOnes(t *testing.T) {
	uid := testPeerID(t, 0)
	raw := `[{"uid":"not-a-valid-peer-id","addr":"/ip4/127.0.0.1/tcp/1","expiration_unix":1},` +
		`{"uid":"` + uid.String() + `","addr":"/ip4/127.0.0.1/tcp/4001","expiration_unix":` +
		jsonInt(time.Now().Add(time.Hour).Unix()) + `}]`

	src := NewDHTSource(&fakeValueStore{value: []byte(raw)}, "directory-key")
	records, err := src.FetchLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uid, records[1].UID)
}

func TestFetchLatestOnStoreErrorIsNotFatal(t *testing.T) {
	src := NewDHTSource(&fakeValueStore{err: context.DeadlineExceeded}, "directory-key")
	records, err := src.FetchLatest(context.Background())
	require.NoError(t, err)
	require.Nil(t, records)
}

func TestFetchLatestOnMalformedPayloadIsNotFatal(t *testing.T) {
	src := NewDHTSource(&fakeValueStore{value: []byte("not json")}, "directory-key")
	records, err := src.FetchLatest(context.Background())
	require.NoError(t, err)
	require.Nil(t, records)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
