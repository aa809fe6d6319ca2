/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package content

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is the disallowed-content blocklist, loaded from YAML:
//
//	blocked_keywords: [nightcore, "10 hours"]
//	blocked_channels: [UCxxxx]
//	blocked_content: [dQw4w9WgXcQ]
type Policy struct {
	BlockedKeywords []string `yaml:"blocked_keywords"`
	BlockedChannels []string `yaml:"blocked_channels"`
	BlockedContent  []string `yaml:"blocked_content"`
}

// LoadPolicy reads a policy file. An empty path yields an empty policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read content policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse content policy: %w", err)
	}
	for i, kw := range p.BlockedKeywords {
		p.BlockedKeywords[i] = strings.ToLower(strings.TrimSpace(kw))
	}
	return &p, nil
}

// Check returns a rejection error when the content matches the blocklist.
func (p *Policy) Check(contentID, channelID, title, creator string) error {
	if p == nil {
		return nil
	}
	for _, id := range p.BlockedContent {
		if id == contentID {
			return reject("content %s is blocked", contentID)
		}
	}
	for _, ch := range p.BlockedChannels {
		if ch != "" && ch == channelID {
			return reject("channel %s is blocked", channelID)
		}
	}
	haystack := strings.ToLower(title + " " + creator)
	for _, kw := range p.BlockedKeywords {
		if kw != "" && strings.Contains(haystack, kw) {
			return reject("matches blocked keyword %q", kw)
		}
	}
	return nil
}
