/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/telemetry"
)

// YouTubeConfig configures the Data API client.
type YouTubeConfig struct {
	APIKey      string
	BaseURL     string
	MaxDuration time.Duration
	Timeout     time.Duration
}

// YouTubeValidator validates video ids with the YouTube Data API v3.
type YouTubeValidator struct {
	cfg    YouTubeConfig
	policy *Policy
	http   *http.Client
	logger zerolog.Logger
}

// NewYouTubeValidator creates a validator. policy may be nil.
func NewYouTubeValidator(cfg YouTubeConfig, policy *Policy, logger zerolog.Logger) *YouTubeValidator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.googleapis.com/youtube/v3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &YouTubeValidator{
		cfg:    cfg,
		policy: policy,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "youtube_validator").Logger(),
	}
}

type videoListResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title                string `json:"title"`
			ChannelID            string `json:"channelId"`
			ChannelTitle         string `json:"channelTitle"`
			LiveBroadcastContent string `json:"liveBroadcastContent"`
			Thumbnails           map[string]struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
		Status struct {
			PrivacyStatus string `json:"privacyStatus"`
			Embeddable    bool   `json:"embeddable"`
		} `json:"status"`
	} `json:"items"`
}

// Validate implements Validator.
func (v *YouTubeValidator) Validate(ctx context.Context, contentID string) (*Metadata, error) {
	start := time.Now()
	defer func() {
		telemetry.ContentLookupDuration.WithLabelValues("youtube").Observe(time.Since(start).Seconds())
	}()

	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return nil, reject("empty content id")
	}
	if err := v.policy.Check(contentID, "", "", ""); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("part", "snippet,contentDetails,status")
	params.Set("id", contentID)
	params.Set("key", v.cfg.APIKey)
	endpoint := strings.TrimRight(v.cfg.BaseURL, "/") + "/videos?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("youtube lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("youtube lookup: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list videoListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode youtube response: %w", err)
	}
	if len(list.Items) == 0 {
		return nil, reject("content %s not found", contentID)
	}
	item := list.Items[0]

	if item.Status.PrivacyStatus != "" && item.Status.PrivacyStatus != "public" && item.Status.PrivacyStatus != "unlisted" {
		return nil, reject("content %s is %s", contentID, item.Status.PrivacyStatus)
	}
	if !item.Status.Embeddable {
		return nil, reject("content %s is not embeddable", contentID)
	}
	if item.Snippet.LiveBroadcastContent == "live" || item.Snippet.LiveBroadcastContent == "upcoming" {
		return nil, reject("content %s is a live broadcast", contentID)
	}

	duration, err := ParseISODuration(item.ContentDetails.Duration)
	if err != nil || duration <= 0 {
		return nil, reject("content %s has no playable duration", contentID)
	}
	if v.cfg.MaxDuration > 0 && duration > v.cfg.MaxDuration {
		return nil, reject("content %s runs %s, over the %s limit", contentID, duration, v.cfg.MaxDuration)
	}

	if err := v.policy.Check(contentID, item.Snippet.ChannelID, item.Snippet.Title, item.Snippet.ChannelTitle); err != nil {
		return nil, err
	}

	meta := &Metadata{
		ContentID:       contentID,
		Title:           item.Snippet.Title,
		Creator:         item.Snippet.ChannelTitle,
		DurationSeconds: int(duration / time.Second),
		ThumbnailURL:    pickThumbnail(item.Snippet.Thumbnails),
	}
	v.logger.Debug().Str("content_id", contentID).Int("duration_seconds", meta.DurationSeconds).Msg("content validated")
	return meta, nil
}

func pickThumbnail(thumbs map[string]struct {
	URL string `json:"url"`
}) string {
	for _, size := range []string{"high", "medium", "default"} {
		if t, ok := thumbs[size]; ok && t.URL != "" {
			return t.URL
		}
	}
	return ""
}
