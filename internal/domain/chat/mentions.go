package chat

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// Known AI agent handles. A message mentioning one of these is routed through
// the mention dispatcher for enrichment.
var agentHandles = map[string]struct{}{
	"explorer": {},
	"foodie":   {},
	"planner":  {},
	"budget":   {},
	"local":    {},
}

// ExtractMentions returns the mention tokens found in content, in order of
// first appearance, without the @ prefix and without duplicates.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	mentions := make([]string, 0, len(matches))
	for _, m := range matches {
		token := m[1]
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		mentions = append(mentions, token)
	}
	return mentions
}

// HasAgentMention reports whether any mention addresses a known AI agent.
func HasAgentMention(mentions []string) bool {
	for _, m := range mentions {
		if _, ok := agentHandles[strings.ToLower(m)]; ok {
			return true
		}
	}
	return false
}

// AgentMentions filters mentions down to known AI agent handles.
func AgentMentions(mentions []string) []string {
	var agents []string
	for _, m := range mentions {
		if _, ok := agentHandles[strings.ToLower(m)]; ok {
			agents = append(agents, strings.ToLower(m))
		}
	}
	return agents
}
