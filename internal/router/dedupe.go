package router

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/storage"
)

type hashEntry struct {
	sum uint64
	at  time.Time
}

// dedupe remembers what one device already sent: recent sequence numbers (bounded), and
// content hashes of unsequenced events for a short window of router time.
type dedupe struct {
	window time.Duration

	seqs     map[uint64]struct{}
	seqOrder *storage.Ring[uint64]

	hashes    map[uint64]time.Time
	hashOrder []hashEntry
}

func newDedupe(seqMemory int, window time.Duration) *dedupe {
	if seqMemory <= 0 {
		seqMemory = 1024
	}
	return &dedupe{
		window:   window,
		seqs:     make(map[uint64]struct{}),
		seqOrder: storage.NewRing[uint64](seqMemory),
		hashes:   make(map[uint64]time.Time),
	}
}

func (d *dedupe) seen(ev *data.TelemetryEvent, now time.Time) bool {
	if ev.SequenceNumber != nil {
		_, ok := d.seqs[*ev.SequenceNumber]
		return ok
	}
	d.expire(now)
	_, ok := d.hashes[contentHash(ev)]
	return ok
}

func (d *dedupe) record(ev *data.TelemetryEvent, now time.Time) {
	if ev.SequenceNumber != nil {
		seq := *ev.SequenceNumber
		d.seqs[seq] = struct{}{}
		if old, evicted := d.seqOrder.Push(seq); evicted {
			delete(d.seqs, old)
		}
		return
	}
	if d.window <= 0 {
		return
	}
	sum := contentHash(ev)
	d.hashes[sum] = now
	d.hashOrder = append(d.hashOrder, hashEntry{sum: sum, at: now})
}

func (d *dedupe) expire(now time.Time) {
	n := 0
	for ; n < len(d.hashOrder); n++ {
		e := d.hashOrder[n]
		if now.Sub(e.at) <= d.window {
			break
		}
		if at, ok := d.hashes[e.sum]; ok && at.Equal(e.at) {
			delete(d.hashes, e.sum)
		}
	}
	d.hashOrder = d.hashOrder[n:]
}

// contentHash is FNV-64a over device id, reported timestamp and the sorted metrics.
func contentHash(ev *data.TelemetryEvent) uint64 {
	h := fnv.New64a()
	h.Write([]byte(ev.DeviceID))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ev.Timestamp.UnixNano()))
	h.Write(ts[:])

	keys := make([]string, 0, len(ev.Metrics))
	for k := range ev.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s=%v", k, ev.Metrics[k])
	}
	return h.Sum64()
}
