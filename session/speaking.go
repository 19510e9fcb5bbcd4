package session

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/exp/slices"

	"github.com/openroom/voicesync/engine"
)

// speakingTracker keeps the transient set of participants currently producing
// audio. An id enters the set when a volume sample meets the threshold and
// drops out once no qualifying sample arrives within the decay window; the
// cache TTL is the decay.
type speakingTracker struct {
	cache     *ttlcache.Cache[int32, int]
	threshold int
}

func newSpeakingTracker(threshold int, decay time.Duration) *speakingTracker {
	c := ttlcache.New[int32, int](
		ttlcache.WithTTL[int32, int](decay),
	)
	go c.Start()
	return &speakingTracker{
		cache:     c,
		threshold: threshold,
	}
}

// Observe folds a volume indication batch into the set. Samples below the
// threshold don't refresh an existing entry: decay is driven purely by the
// absence of qualifying samples.
func (s *speakingTracker) Observe(samples []engine.VolumeSample) {
	for _, sample := range samples {
		if sample.Level >= s.threshold {
			s.cache.Set(sample.ParticipantID, sample.Level, ttlcache.DefaultTTL)
		}
	}
}

// Speaking returns the ids currently in the set, sorted for stable output.
func (s *speakingTracker) Speaking() []int32 {
	now := time.Now()
	var ids []int32
	for id, item := range s.cache.Items() {
		if item.ExpiresAt().After(now) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Forget removes one participant immediately, e.g. when the engine reports
// they left the channel.
func (s *speakingTracker) Forget(participantID int32) {
	s.cache.Delete(participantID)
}

// Reset clears the whole set, e.g. on leave.
func (s *speakingTracker) Reset() {
	s.cache.DeleteAll()
}

func (s *speakingTracker) Stop() {
	s.cache.Stop()
}
