package bufferpool

import (
	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"
)

// hitTracker is an auxiliary, best-effort hit-rate counter for
// Stats.HitRate. It sits entirely outside the eviction path:
// the pool's actual replacement decisions are made by lruReplacer, whose
// ordering must stay exact and deterministic. ristretto's TinyLFU
// admission policy is probabilistic and cannot serve as that replacer,
// but it gives a reasonable approximate hit ratio without hand-rolling
// counters.
type hitTracker struct {
	cache *ristretto.Cache[int64, struct{}]
	log   *logrus.Entry
}

func newHitTracker() *hitTracker {
	cache, err := ristretto.NewCache(&ristretto.Config[int64, struct{}]{
		NumCounters: 10_000,
		MaxCost:     1 << 16,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		// Hit-rate tracking is best-effort; a construction failure here
		// must never block the buffer pool from working.
		logrus.WithField("component", "bufferpool").WithError(err).Warn("hit-rate tracker disabled")
		return &hitTracker{}
	}
	return &hitTracker{cache: cache, log: logrus.WithField("component", "bufferpool.hitrate")}
}

// touch records an access to pageID, admitting it into the tracker's
// sample on first sight so ristretto's own hit/miss metrics approximate
// the pool's real hit rate over time.
func (h *hitTracker) touch(pageID int64) {
	if h.cache == nil {
		return
	}
	if _, found := h.cache.Get(pageID); !found {
		h.cache.Set(pageID, struct{}{}, 1)
	}
}

// ratio returns the tracker's approximate hit rate in [0, 1].
func (h *hitTracker) ratio() float64 {
	if h.cache == nil || h.cache.Metrics == nil {
		return 0
	}
	return h.cache.Metrics.Ratio()
}

func (h *hitTracker) close() {
	if h.cache != nil {
		h.cache.Close()
	}
}
