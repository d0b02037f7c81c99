package enricher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom/skywatch/internal/cache"
	"github.com/brightloom/skywatch/internal/coalescer"
	"github.com/brightloom/skywatch/internal/models"
)

func newTestEnricher() *Enricher {
	c := cache.New(100, 100)
	profileFetch := func(ctx context.Context, keys []string) ([]interface{}, error) {
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = &models.Profile{Identifier: k, Handle: k + ".test"}
		}
		return out, nil
	}
	recordFetch := func(ctx context.Context, keys []string) ([]interface{}, error) {
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = &models.Record{CanonicalURI: k, Text: "referenced"}
		}
		return out, nil
	}
	pc := coalescer.New("profiles", 10, time.Millisecond, profileFetch)
	rc := coalescer.New("records", 10, time.Millisecond, recordFetch)
	return New(c, pc, rc)
}

func TestEnrichPopulatesAuthorAndPreservesOrder(t *testing.T) {
	e := newTestEnricher()
	events := []models.Event{
		{Actor: "did:1", Kind: "commit", Commit: Commit("post1")},
		{Actor: "did:2", Kind: "commit", Commit: Commit("post2")},
	}

	out := e.Enrich(context.Background(), events)
	require.Len(t, out, 2)
	assert.Equal(t, "did:1", out[0].Original.Actor)
	assert.Equal(t, "did:2", out[1].Original.Actor)
	require.NotNil(t, out[0].Hydrated.Author)
	assert.Equal(t, "did:1.test", out[0].Hydrated.Author.Handle)
}

func TestEnrichFillsCacheOnMissThenHitsOnSecondCall(t *testing.T) {
	e := newTestEnricher()
	events := []models.Event{{Actor: "did:1", Kind: "commit", Commit: Commit("post1")}}

	first := e.Enrich(context.Background(), events)
	assert.NotZero(t, first[0].Metrics.CacheMisses, "expected at least one cache miss on first pass")

	second := e.Enrich(context.Background(), events)
	assert.NotZero(t, second[0].Metrics.CacheHits, "expected cache hit on second pass")
	assert.Zero(t, second[0].Metrics.CacheMisses, "expected zero misses once warm")
}

func TestEnrichExtractsHashtagsAndURLs(t *testing.T) {
	e := newTestEnricher()
	raw, _ := json.Marshal(map[string]string{"text": "hello #gophers see https://example.com"})
	events := []models.Event{{Actor: "did:1", Kind: "commit", Commit: &models.Commit{
		Operation: models.CommitCreate, Collection: "app.bsky.feed.post", RecordKey: "abc", Record: raw,
	}}}

	out := e.Enrich(context.Background(), events)
	require.Len(t, out[0].Hydrated.Hashtags, 1)
	assert.Equal(t, "#gophers", out[0].Hydrated.Hashtags[0])
	assert.Len(t, out[0].Hydrated.URLs, 1)
}

// Commit is a tiny test helper building a minimal commit block with a
// referenced post collection/rkey.
func Commit(rkey string) *models.Commit {
	return &models.Commit{Operation: models.CommitCreate, Collection: "app.bsky.feed.post", RecordKey: rkey}
}
