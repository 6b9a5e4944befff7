package spider

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"serma/internal/dht"
	"serma/internal/krpc"
	"serma/internal/storage"
)

func newTestSpider(t *testing.T) (*Spider, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var nodeID krpc.ID
	nodeID[0] = 0xaa
	cfg := Config{
		NodeID:        nodeID,
		MaxKnownNodes: 100,
		BloomItems:    1000,
		BloomFPRate:   0.01,
	}
	trans, err := dht.ListenDirect(0)
	if err != nil {
		t.Fatalf("ListenDirect: %v", err)
	}
	t.Cleanup(func() { trans.Close() })

	return New(cfg, trans, store, zerolog.Nop()), store
}

func TestIngestHashUpsertsOnFirstSighting(t *testing.T) {
	sp, store := newTestSpider(t)
	var hash krpc.ID
	hash[0] = 1

	sp.ingestHash(hash)

	if _, err := store.Get(hash.String()); err != nil {
		t.Fatalf("expected sighting to be upserted, got %v", err)
	}
}

func TestIngestHashSkipsZeroHash(t *testing.T) {
	sp, store := newTestSpider(t)

	sp.ingestHash(krpc.ID{})

	n, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero-hash sighting to be skipped, got %d records", n)
	}
}

func TestIngestHashDedupsViaBloomFilter(t *testing.T) {
	sp, store := newTestSpider(t)
	var hash krpc.ID
	hash[0] = 7

	sp.ingestHash(hash)
	first, err := store.Get(hash.String())
	if err != nil {
		t.Fatalf("Get after first sighting: %v", err)
	}

	sp.ingestHash(hash)
	second, err := store.Get(hash.String())
	if err != nil {
		t.Fatalf("Get after second sighting: %v", err)
	}
	if second.LastSeenUnixMS != first.LastSeenUnixMS {
		t.Fatal("expected the bloom filter to suppress the second sighting's update")
	}
}

func TestIngestHashInvokesOnHashCallbackOnce(t *testing.T) {
	sp, _ := newTestSpider(t)
	var hash krpc.ID
	hash[0] = 9

	calls := 0
	sp.OnHash(func(string) { calls++ })

	sp.ingestHash(hash)
	sp.ingestHash(hash)

	if calls != 1 {
		t.Fatalf("OnHash called %d times, want 1", calls)
	}
}

func TestHandleQueryGetPeersAdmitsQueryingNode(t *testing.T) {
	sp, _ := newTestSpider(t)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}
	var queryID krpc.ID
	queryID[0] = 2
	var infoHash krpc.ID
	infoHash[0] = 3

	msg := krpc.Msg{
		TxnID:        "t1",
		Type:         krpc.TypeQuery,
		Q:            krpc.QueryGetPeers,
		ArgsID:       queryID,
		ArgsInfoHash: infoHash,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sp.handleQuery(msg, from)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleQuery did not return in time")
	}

	if sp.table.Len() != 1 {
		t.Fatalf("table.Len() = %d, want 1 (the querying node)", sp.table.Len())
	}
}

func TestHandleDatagramIncrementsMalformedCounterOnGarbage(t *testing.T) {
	sp, _ := newTestSpider(t)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}

	sp.handleDatagram([]byte{0x01, 0x02, 0x03}, from)

	if got := sp.MalformedCount(); got != 1 {
		t.Fatalf("MalformedCount() = %d, want 1", got)
	}
	if sp.table.Len() != 0 {
		t.Fatalf("table.Len() = %d, want 0: a malformed datagram must not admit a contact", sp.table.Len())
	}
}

func TestHandleDatagramMalformedCounterAccumulates(t *testing.T) {
	sp, _ := newTestSpider(t)
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}

	for i := 0; i < 3; i++ {
		sp.handleDatagram([]byte{0xff}, from)
	}

	if got := sp.MalformedCount(); got != 3 {
		t.Fatalf("MalformedCount() = %d, want 3", got)
	}
}

func TestWalkTickCompletesWithSampleSmallerThanTable(t *testing.T) {
	sp, _ := newTestSpider(t)
	for i := byte(1); i <= 20; i++ {
		sp.table.Update(dht.Contact{
			ID:       contactIDForTest(i),
			Addr:     "127.0.0.1:" + strconv.Itoa(int(i)+20000),
			LastSeen: time.Now(),
		})
	}
	sp.cfg.WalkSampleSize = 4

	// This only checks that walkTick runs to completion without
	// panicking when the sample size (4) is smaller than the 20-contact
	// table; the number of datagrams it sends is not observed here.
	sp.walkTick()
}

func TestMaybeRebootstrapSkippedWhenThresholdUnset(t *testing.T) {
	sp, _ := newTestSpider(t)
	sp.cfg.RebootstrapThreshold = 0
	// No bootstrap hosts configured; if maybeRebootstrap ran it would be
	// a no-op regardless, but this asserts the disabled path returns
	// immediately without touching the table.
	sp.maybeRebootstrap()
	if sp.table.Len() != 0 {
		t.Fatalf("table.Len() = %d, want 0", sp.table.Len())
	}
}

func TestMaybeRebootstrapTriggersBelowThreshold(t *testing.T) {
	sp, _ := newTestSpider(t)
	sp.cfg.Bootstrap = []string{"127.0.0.1:19999"}
	sp.cfg.RebootstrapThreshold = 5

	sp.maybeRebootstrap()

	if sp.table.Len() == 0 {
		t.Fatal("expected maybeRebootstrap to admit the configured bootstrap host when under threshold")
	}
}

func contactIDForTest(b byte) krpc.ID {
	var id krpc.ID
	id[19] = b
	return id
}
