// Package enricher implements C6 of spec.md §4.6: turning a batch of
// raw Events into a batch of EnrichedRecords by consulting the cache,
// fetching whatever is missing in parallel via the batch coalescers,
// and recording per-record metrics.
package enricher

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brightloom/skywatch/internal/cache"
	"github.com/brightloom/skywatch/internal/coalescer"
	"github.com/brightloom/skywatch/internal/logging"
	"github.com/brightloom/skywatch/internal/models"
)

// Enricher owns no state of its own beyond references to the cache and
// the two namespace coalescers it drives; cmd/hydrator constructs one
// per process and hands it to the orchestrator (spec.md §5,
// "Ownership").
type Enricher struct {
	cache            *cache.Cache
	profileCoalescer *coalescer.Coalescer
	recordCoalescer  *coalescer.Coalescer
	logger           *logging.Logger
}

// New constructs an Enricher over an existing cache and pair of
// namespace coalescers.
func New(c *cache.Cache, profileCoalescer, recordCoalescer *coalescer.Coalescer) *Enricher {
	return &Enricher{
		cache:            c,
		profileCoalescer: profileCoalescer,
		recordCoalescer:  recordCoalescer,
		logger:           logging.New("enricher"),
	}
}

// Enrich turns a batch of Events into EnrichedRecords, preserving input
// order (spec.md §4.6, "Ordering").
func (e *Enricher) Enrich(ctx context.Context, events []models.Event) []models.EnrichedRecord {
	start := time.Now()
	if len(events) == 0 {
		return nil
	}

	perEventActors := make([][]string, len(events))
	perEventURIs := make([][]string, len(events))
	perEventText := make([]string, len(events))

	actorSet := make(map[string]struct{})
	uriSet := make(map[string]struct{})

	for i, ev := range events {
		actors := []string{ev.Actor}
		var uris []string
		if ev.Commit != nil {
			refActors, refURIs := models.ReferencedIdentifiers(ev.Commit.Record)
			actors = append(actors, refActors...)
			uris = append(uris, refURIs...)
			perEventText[i] = recordText(ev.Commit.Record)
		}
		perEventActors[i] = actors
		perEventURIs[i] = uris
		for _, a := range actors {
			actorSet[a] = struct{}{}
		}
		for _, u := range uris {
			uriSet[u] = struct{}{}
		}
	}

	allActors := setKeys(actorSet)
	allURIs := setKeys(uriSet)

	cachedActors := e.cache.Profiles.ContainsMany(allActors)
	cachedURIs := e.cache.Records.ContainsMany(allURIs)

	var uncachedActors, uncachedURIs []string
	for _, a := range allActors {
		if !cachedActors[a] {
			uncachedActors = append(uncachedActors, a)
		}
	}
	for _, u := range allURIs {
		if !cachedURIs[u] {
			uncachedURIs = append(uncachedURIs, u)
		}
	}

	didFetch := e.fetchAndPopulate(ctx, uncachedActors, uncachedURIs)
	elapsed := time.Since(start).Milliseconds()

	out := make([]models.EnrichedRecord, len(events))
	for i, ev := range events {
		out[i] = e.buildRecord(ev, perEventActors[i], perEventURIs[i], perEventText[i], cachedActors, cachedURIs, didFetch, elapsed)
	}
	return out
}

// fetchAndPopulate issues the uncached-identifier and uncached-URI
// fetches in parallel, each through its namespace's coalescer, and
// inserts returned values into the cache. Per spec.md §4.6's failure
// semantics, a failure in one branch does not affect the other: each
// branch's error is logged and swallowed, never propagated to the
// sibling goroutine or the caller.
func (e *Enricher) fetchAndPopulate(ctx context.Context, uncachedActors, uncachedURIs []string) bool {
	var eg errgroup.Group
	fetchedAny := false

	if len(uncachedActors) > 0 {
		fetchedAny = true
		eg.Go(func() error {
			results, err := e.profileCoalescer.AddAndFetch(ctx, uncachedActors)
			if err != nil {
				e.logger.Printf("profile fetch error: %v", err)
			}
			for i, key := range uncachedActors {
				if i >= len(results) {
					break
				}
				if p, ok := results[i].(*models.Profile); ok && p != nil {
					e.cache.Profiles.Set(key, p)
				}
			}
			return nil
		})
	}

	if len(uncachedURIs) > 0 {
		fetchedAny = true
		eg.Go(func() error {
			results, err := e.recordCoalescer.AddAndFetch(ctx, uncachedURIs)
			if err != nil {
				e.logger.Printf("record fetch error: %v", err)
			}
			for i, key := range uncachedURIs {
				if i >= len(results) {
					break
				}
				if r, ok := results[i].(*models.Record); ok && r != nil {
					e.cache.Records.Set(key, r)
				}
			}
			return nil
		})
	}

	eg.Wait()
	return fetchedAny
}

func (e *Enricher) buildRecord(ev models.Event, actors, uris []string, text string, cachedActors, cachedURIs map[string]bool, didFetch bool, elapsedMs int64) models.EnrichedRecord {
	hydrated := models.HydratedMetadata{}

	if v, ok := e.cache.Profiles.Get(ev.Actor); ok {
		if p, ok := v.(*models.Profile); ok {
			hydrated.Author = p
		}
	}

	seenProfiles := make(map[string]struct{})
	for _, a := range actors {
		if a == ev.Actor {
			continue
		}
		if _, dup := seenProfiles[a]; dup {
			continue
		}
		if v, ok := e.cache.Profiles.Get(a); ok {
			if p, ok := v.(*models.Profile); ok {
				hydrated.Mentioned = append(hydrated.Mentioned, *p)
				seenProfiles[a] = struct{}{}
			}
		}
	}

	seenRecords := make(map[string]struct{})
	for _, u := range uris {
		if _, dup := seenRecords[u]; dup {
			continue
		}
		if v, ok := e.cache.Records.Get(u); ok {
			if r, ok := v.(*models.Record); ok {
				hydrated.Referenced = append(hydrated.Referenced, *r)
				seenRecords[u] = struct{}{}
			}
		}
	}

	var raw json.RawMessage
	if ev.Commit != nil {
		raw = ev.Commit.Record
	}
	hydrated.Hashtags, hydrated.URLs, hydrated.Mentions = models.ExtractHashtagsURLsMentions(text, raw)

	hits, misses := 0, 0
	for _, a := range actors {
		if cachedActors[a] {
			hits++
		} else {
			misses++
		}
	}
	for _, u := range uris {
		if cachedURIs[u] {
			hits++
		} else {
			misses++
		}
	}
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	apiCalls := 0
	if didFetch {
		apiCalls = 1
	}

	return models.EnrichedRecord{
		Original:    ev,
		Hydrated:    hydrated,
		ProcessedAt: time.Now(),
		Metrics: models.Metrics{
			ElapsedMs:   elapsedMs,
			APICalls:    apiCalls,
			CacheHits:   hits,
			CacheMisses: misses,
			HitRate:     hitRate,
		},
	}
}

func setKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// recordText pulls the "text" field out of a record's opaque JSON body,
// if present. Content parsing beyond identifier extraction is out of
// scope (spec.md §1, Non-goals); this is the one textual field the
// hashtag/URL/mention scan needs.
func recordText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Text
}
