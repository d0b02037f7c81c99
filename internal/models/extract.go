package models

import (
	"encoding/json"
	"regexp"
	"strings"
)

// mentionFacet mirrors the subset of an AT-protocol rich-text facet we
// care about: a span whose feature identifies a mentioned actor.
type mentionFacet struct {
	Features []struct {
		Type string `json:"$type"`
		DID  string `json:"did,omitempty"`
		URI  string `json:"uri,omitempty"`
	} `json:"features"`
}

type embeddedRecordRef struct {
	Record *struct {
		URI string `json:"uri"`
	} `json:"record,omitempty"`
}

type replyRef struct {
	Root   *struct{ URI string `json:"uri"` } `json:"root,omitempty"`
	Parent *struct{ URI string `json:"uri"` } `json:"parent,omitempty"`
}

var hashtagPattern = regexp.MustCompile(`#[\p{L}\p{N}_]+`)
var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// ReferencedIdentifiers walks the embedded record's reply refs, facet
// mentions, and embed records, returning the set of actor identifiers
// and canonical-URIs the event references. Neither slice is sorted or
// deduplicated; callers union across a batch.
func ReferencedIdentifiers(record json.RawMessage) (actors []string, uris []string) {
	if len(record) == 0 {
		return nil, nil
	}

	var body struct {
		Reply  *replyRef       `json:"reply,omitempty"`
		Facets []mentionFacet  `json:"facets,omitempty"`
		Embed  json.RawMessage `json:"embed,omitempty"`
	}
	if err := json.Unmarshal(record, &body); err != nil {
		return nil, nil
	}

	if body.Reply != nil {
		if body.Reply.Root != nil && body.Reply.Root.URI != "" {
			uris = append(uris, body.Reply.Root.URI)
		}
		if body.Reply.Parent != nil && body.Reply.Parent.URI != "" {
			uris = append(uris, body.Reply.Parent.URI)
		}
	}

	for _, f := range body.Facets {
		for _, feature := range f.Features {
			if feature.DID != "" {
				actors = append(actors, feature.DID)
			}
			if feature.URI != "" {
				uris = append(uris, feature.URI)
			}
		}
	}

	if len(body.Embed) > 0 {
		var embRef embeddedRecordRef
		if err := json.Unmarshal(body.Embed, &embRef); err == nil && embRef.Record != nil && embRef.Record.URI != "" {
			uris = append(uris, embRef.Record.URI)
		}
	}

	return actors, uris
}

// ExtractHashtagsURLsMentions does a lightweight textual scan of a
// record's text for #hashtags, bare URLs, and facet-derived @mentions.
// It is deliberately shallow: content parsing beyond identifier
// extraction is out of scope per spec.md §1.
func ExtractHashtagsURLsMentions(text string, record json.RawMessage) (hashtags, urls, mentions []string) {
	hashtags = hashtagPattern.FindAllString(text, -1)
	urls = urlPattern.FindAllString(text, -1)

	if len(record) == 0 {
		return hashtags, urls, mentions
	}
	var body struct {
		Facets []mentionFacet `json:"facets,omitempty"`
	}
	if err := json.Unmarshal(record, &body); err != nil {
		return hashtags, urls, mentions
	}
	for _, f := range body.Facets {
		for _, feature := range f.Features {
			if feature.DID != "" {
				mentions = append(mentions, feature.DID)
			}
		}
	}
	return hashtags, urls, mentions
}

// ValidRecordURI reports whether uri satisfies the bulk-lookup
// validity predicate of spec.md §4.4: an "at://" prefix, a non-empty
// actor, collection, and record-key.
func ValidRecordURI(uri string) bool {
	const prefix = "at://"
	if !strings.HasPrefix(uri, prefix) {
		return false
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, prefix), "/", 3)
	if len(parts) != 3 {
		return false
	}
	return parts[0] != "" && parts[1] != "" && parts[2] != ""
}
