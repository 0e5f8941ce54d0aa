// Package directory defines the abstract read-latest interface the
// balancer polls to discover peers, plus a reference adapter over a DHT
// value store. The DHT wire protocol itself is out of scope: Source only
// needs one method, and DHTSource's job is to turn whatever comes back
// from a key/value read into well-formed Records, skipping the rest.
package directory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/multiformats/go-multiaddr"
)

// Record is one directory entry: a peer, its advertised address, and
// when that advertisement expires.
type Record struct {
	UID        peer.ID
	Addr       multiaddr.Multiaddr
	Expiration time.Time
}

// Source abstracts a read-latest over the external directory (the
// reference implementation is a DHT read under a shared key). Index is
// whatever numbering the directory uses internally; the balancer does
// not interpret it beyond iterating the returned map.
type Source interface {
	FetchLatest(ctx context.Context) (map[int]Record, error)
}

// wireRecord is the JSON shape a DHTSource expects to find at its key:
// an array of entries, each possibly malformed. Malformed entries are
// skipped, not fatal.
type wireRecord struct {
	UID        string `json:"uid"`
	Addr       string `json:"addr"`
	Expiration int64  `json:"expiration_unix"`
}

// DHTSource implements Source over anything satisfying
// routing.ValueStore — the interface github.com/libp2p/go-libp2p-kad-dht's
// *dht.IpfsDHT implements. It decodes the value at Key as a JSON array of
// wireRecord and converts each into a Record, logging and skipping any
// entry that fails to parse.
type DHTSource struct {
	Store routing.ValueStore
	Key   string
}

// NewDHTSource returns a Source backed by a DHT value store read under key.
func NewDHTSource(store routing.ValueStore, key string) *DHTSource {
	return &DHTSource{Store: store, Key: key}
}

// FetchLatest performs one GetValue against the DHT and parses the
// result. A read failure (key not found, timeout, ...) is reported as a
// nil map and nil error: the balancer's refresh loop treats "nothing new
// this cycle" identically to "directory temporarily unreachable", per
// the core's DirectoryMalformed semantics — it logs and moves on rather
// than treating it as fatal.
func (d *DHTSource) FetchLatest(ctx context.Context) (map[int]Record, error) {
	raw, err := d.Store.GetValue(ctx, d.Key)
	if err != nil {
		log.Debug("directory: DHT read found nothing", "key", d.Key, "err", err)
		return nil, nil
	}

	var wire []wireRecord
	if err := json.Unmarshal(raw, &wire); err != nil {
		log.Warn("directory: malformed directory payload", "key", d.Key, "err", err)
		return nil, nil
	}

	out := make(map[int]Record, len(wire))
	for i, w := range wire {
		rec, err := w.toRecord()
		if err != nil {
			log.Warn("directory: skipping malformed record", "index", i, "err", err)
			continue
		}
		out[i] = rec
	}
	return out, nil
}

func (w wireRecord) toRecord() (Record, error) {
	uid, err := peer.Decode(w.UID)
	if err != nil {
		return Record{}, err
	}
	addr, err := multiaddr.NewMultiaddr(w.Addr)
	if err != nil {
		return Record{}, err
	}
	return Record{
		UID:        uid,
		Addr:       addr,
		Expiration: time.Unix(w.Expiration, 0),
	}, nil
}
