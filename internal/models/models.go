// Package models holds the data types that flow through the enrichment
// pipeline: raw stream Events, hydrated Profiles and Records, the
// composed EnrichedRecord, and the API session tuple.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommitOperation is the kind of repository mutation a commit describes.
type CommitOperation string

const (
	CommitCreate CommitOperation = "create"
	CommitUpdate CommitOperation = "update"
	CommitDelete CommitOperation = "delete"
)

// Commit is the embedded record-mutation block of an Event, present
// when Event.Kind == "commit".
type Commit struct {
	Operation      CommitOperation `json:"operation"`
	Collection     string          `json:"collection"`
	RecordKey      string          `json:"rkey"`
	Record         json.RawMessage `json:"record,omitempty"`
	ContentAddress string          `json:"cid,omitempty"`
}

// Event is a single upstream commit descriptor as received from the
// streaming feed.
type Event struct {
	Actor     string    `json:"did"`
	Seq       int64     `json:"seq"`
	TimeUs    int64     `json:"time_us"`
	Kind      string    `json:"kind"`
	Commit    *Commit   `json:"commit,omitempty"`
	Timestamp time.Time `json:"-"`
}

// CanonicalURI returns the at:// URI for the event's commit record, and
// false if the event carries no commit block.
func (e *Event) CanonicalURI() (string, bool) {
	if e.Commit == nil {
		return "", false
	}
	return fmt.Sprintf("at://%s/%s/%s", e.Actor, e.Commit.Collection, e.Commit.RecordKey), true
}

// Profile is an actor's social profile, keyed by Identifier.
type Profile struct {
	Identifier      string     `json:"did"`
	Handle          string     `json:"handle"`
	DisplayName     *string    `json:"displayName,omitempty"`
	Description     *string    `json:"description,omitempty"`
	AvatarURL       *string    `json:"avatar,omitempty"`
	BannerURL       *string    `json:"banner,omitempty"`
	FollowersCount  *int64     `json:"followersCount,omitempty"`
	FollowingCount  *int64     `json:"followsCount,omitempty"`
	PostsCount      *int64     `json:"postsCount,omitempty"`
	IndexedAt       *time.Time `json:"indexedAt,omitempty"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`
	Labels          []string   `json:"labels,omitempty"`
}

// Record is a referenced commit record, keyed by CanonicalURI.
type Record struct {
	CanonicalURI   string          `json:"uri"`
	ContentAddress string          `json:"cid"`
	Author         Profile         `json:"author"`
	Text           string          `json:"text"`
	CreatedAt      time.Time       `json:"createdAt"`
	Embed          json.RawMessage `json:"embed,omitempty"`
	ReplyParent    *string         `json:"replyParentUri,omitempty"`
	ReplyRoot      *string         `json:"replyRootUri,omitempty"`
	Facets         json.RawMessage `json:"facets,omitempty"`
	Labels         []string        `json:"labels,omitempty"`
	LikeCount      int64           `json:"likeCount"`
	RepostCount    int64           `json:"repostCount"`
	ReplyCount     int64           `json:"replyCount"`
}

// HydratedMetadata is the enrichment payload attached to an Event.
type HydratedMetadata struct {
	Author    *Profile `json:"author,omitempty"`
	Mentioned []Profile `json:"mentioned,omitempty"`
	Referenced []Record `json:"referenced,omitempty"`
	Hashtags  []string `json:"hashtags,omitempty"`
	URLs      []string `json:"urls,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
	Language  *string  `json:"language,omitempty"`
}

// Metrics records per-record processing statistics, used for
// observability and for the end-to-end test assertions in spec.md §8.
type Metrics struct {
	ElapsedMs   int64   `json:"elapsedMs"`
	APICalls    int     `json:"apiCalls"`
	CacheHits   int     `json:"cacheHits"`
	CacheMisses int     `json:"cacheMisses"`
	HitRate     float64 `json:"hitRate"`
}

// EnrichedRecord is the fully-hydrated output unit persisted to the
// durable store and published stream.
type EnrichedRecord struct {
	Original    Event             `json:"event"`
	Hydrated    HydratedMetadata  `json:"hydrated"`
	ProcessedAt time.Time         `json:"processedAt"`
	Metrics     Metrics           `json:"metrics"`
}

// Session is the authenticated API session tuple.
type Session struct {
	AccessToken  string
	RefreshToken string
	Expiry       *time.Time
	Handle       string
	Identifier   string
}
