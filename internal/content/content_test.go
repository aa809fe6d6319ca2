/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package content

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/cache"
)

func TestParseISODuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"PT4M13S", 4*time.Minute + 13*time.Second, false},
		{"PT1H", time.Hour, false},
		{"PT45S", 45 * time.Second, false},
		{"P1DT2M", 24*time.Hour + 2*time.Minute, false},
		{"P0D", 0, false},
		{"PT", 0, true},
		{"4:13", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseISODuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseISODuration(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseISODuration(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPolicyCheck(t *testing.T) {
	p, err := ParsePolicy([]byte(`
blocked_keywords: ["Nightcore", " 10 hours "]
blocked_channels: [UCbad]
blocked_content: [badvid]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := []struct {
		name                             string
		contentID, channel, title, owner string
		rejected                         bool
	}{
		{"clean", "ok", "UCgood", "A song", "Band", false},
		{"blocked id", "badvid", "", "", "", true},
		{"blocked channel", "ok", "UCbad", "A song", "Band", true},
		{"keyword in title", "ok", "UCgood", "NIGHTCORE mix", "Band", true},
		{"keyword in creator", "ok", "UCgood", "Song", "best 10 hours", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Check(tt.contentID, tt.channel, tt.title, tt.owner)
			if IsRejected(err) != tt.rejected {
				t.Fatalf("Check() = %v, rejected want %v", err, tt.rejected)
			}
		})
	}

	var nilPolicy *Policy
	if err := nilPolicy.Check("x", "y", "z", "w"); err != nil {
		t.Fatalf("nil policy rejected: %v", err)
	}
}

const videoJSON = `{"items":[{"id":"%s","snippet":{"title":"%s","channelId":"UCx","channelTitle":"Artist",
"liveBroadcastContent":"none","thumbnails":{"default":{"url":"d.jpg"},"high":{"url":"h.jpg"}}},
"contentDetails":{"duration":"%s"},"status":{"privacyStatus":"%s","embeddable":%t}}]}`

func newYouTubeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/videos" || r.URL.Query().Get("key") != "test-key" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		id := r.URL.Query().Get("id")
		switch id {
		case "good":
			fmt.Fprintf(w, videoJSON, id, "Good Song", "PT3M30S", "public", true)
		case "long":
			fmt.Fprintf(w, videoJSON, id, "Long Mix", "PT1H2M", "public", true)
		case "private":
			fmt.Fprintf(w, videoJSON, id, "Secret", "PT3M", "private", true)
		case "noembed":
			fmt.Fprintf(w, videoJSON, id, "Locked", "PT3M", "public", false)
		case "keyword":
			fmt.Fprintf(w, videoJSON, id, "Nightcore Remix", "PT3M", "public", true)
		case "boom":
			http.Error(w, "quota exceeded", http.StatusForbidden)
		default:
			fmt.Fprint(w, `{"items":[]}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestYouTubeValidator(t *testing.T) {
	srv := newYouTubeServer(t)
	policy := &Policy{BlockedKeywords: []string{"nightcore"}}
	v := NewYouTubeValidator(YouTubeConfig{
		APIKey:      "test-key",
		BaseURL:     srv.URL,
		MaxDuration: 10 * time.Minute,
	}, policy, zerolog.Nop())

	meta, err := v.Validate(context.Background(), "good")
	if err != nil {
		t.Fatalf("validate good: %v", err)
	}
	if meta.Title != "Good Song" || meta.Creator != "Artist" || meta.DurationSeconds != 210 || meta.ThumbnailURL != "h.jpg" {
		t.Fatalf("metadata = %+v", meta)
	}

	for _, id := range []string{"long", "private", "noembed", "keyword", "missing", ""} {
		if _, err := v.Validate(context.Background(), id); !IsRejected(err) {
			t.Errorf("Validate(%q) = %v, want rejection", id, err)
		}
	}

	_, err = v.Validate(context.Background(), "boom")
	if err == nil || IsRejected(err) {
		t.Fatalf("Validate(boom) = %v, want lookup fault", err)
	}
}

type countingValidator struct {
	calls int
}

func (c *countingValidator) Validate(_ context.Context, contentID string) (*Metadata, error) {
	c.calls++
	if contentID == "bad" {
		return nil, reject("nope")
	}
	return &Metadata{ContentID: contentID, Title: "T", DurationSeconds: 60}, nil
}

func TestCachedValidator_PassesThroughWithoutRedis(t *testing.T) {
	next := &countingValidator{}
	v := NewCachedValidator(next, cache.New(nil, cache.DefaultConfig(), zerolog.Nop()), zerolog.Nop())

	for i := 0; i < 2; i++ {
		meta, err := v.Validate(context.Background(), "abc")
		if err != nil || meta.DurationSeconds != 60 {
			t.Fatalf("validate: %+v, %v", meta, err)
		}
	}
	if next.calls != 2 {
		t.Fatalf("calls = %d, want 2 with cache disabled", next.calls)
	}
	if _, err := v.Validate(context.Background(), "bad"); !IsRejected(err) {
		t.Fatalf("rejection not propagated: %v", err)
	}
}
