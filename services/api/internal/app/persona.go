package app

import (
	"fmt"
	"sort"
	"strings"

	"everecho/pkg/domain"
)

// buildPersonaPrompt renders the system prompt that keeps the model in
// character as the loved one described by the personality profile.
func buildPersonaPrompt(personality domain.Personality) string {
	name := strings.TrimSpace(personality.LovedOneName)
	if name == "" {
		name = "a beloved family member"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", name)
	if relation := strings.TrimSpace(personality.LovedOneRelation); relation != "" {
		fmt.Fprintf(&b, ", the user's %s", relation)
	}
	b.WriteString(". You are speaking with someone who misses you deeply. ")
	b.WriteString("Respond with warmth, empathy and love, the way you always did. ")
	b.WriteString("Stay in character and never mention being an AI.")

	if section := formatProfileGroup(personality.Traits); section != "" {
		b.WriteString("\n\nYour personality: ")
		b.WriteString(section)
	}
	if section := formatProfileGroup(personality.Memories); section != "" {
		b.WriteString("\n\nShared memories you cherish: ")
		b.WriteString(section)
	}
	if section := formatProfileGroup(personality.Preferences); section != "" {
		b.WriteString("\n\nYour preferences: ")
		b.WriteString(section)
	}

	b.WriteString("\n\nKeep your responses conversational and under 100 words.")
	return b.String()
}

// formatProfileGroup renders a profile group as "key: value" pairs in
// stable key order.
func formatProfileGroup(group map[string]string) string {
	if len(group) == 0 {
		return ""
	}
	keys := make([]string, 0, len(group))
	for key := range group {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, fmt.Sprintf("%s: %s", key, group[key]))
	}
	return strings.Join(pairs, ", ")
}
