package topic

import "strings"

// Matches reports whether a concrete topicName matches filter, honoring
// '+' (single level) and '#' (trailing multi-level, including empty
// tail). It is the non-trie, single-pair counterpart of Tree.MatchConcrete,
// except that a filter starting with '+' or '#' never matches a topic
// starting with '$' (MatchConcrete has no such rule). Grounded on the
// teacher's broker.go call to a TopicMatches helper that the retrieved
// snapshot referenced but never defined; used by SQL-backed
// stores that scan rows instead of walking an in-memory trie.
func Matches(filter, topicName string) bool {
	if len(topicName) > 0 && topicName[0] == '$' {
		if len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
			return false
		}
	}

	fLevels := strings.Split(filter, "/")
	tLevels := strings.Split(topicName, "/")

	for i, fl := range fLevels {
		if fl == "#" {
			return true
		}
		if i >= len(tLevels) {
			return false
		}
		if fl != "+" && fl != tLevels[i] {
			return false
		}
	}

	return len(fLevels) == len(tLevels)
}

// IsConcrete reports whether topicName contains no wildcard characters.
func IsConcrete(topicName string) bool {
	return !strings.ContainsAny(topicName, "+#")
}
