package route

import (
	"sort"
	"strings"
)

// Mood vocabulary is closed: every message lands in exactly one bucket.
const (
	MoodHappy      = "happy"
	MoodCalm       = "calm"
	MoodSad        = "sad"
	MoodFrustrated = "frustrated"
	MoodNeutral    = "neutral"
)

// moodKeywords maps moods to trigger words; buckets are checked in a fixed
// order so classification is deterministic.
var moodKeywords = []struct {
	mood  string
	words []string
}{
	{MoodHappy, []string{"happy", "joy", "excited", "wonderful", "great day", "amazing", "delighted", "grateful"}},
	{MoodSad, []string{"sad", "down", "depressed", "lonely", "miss", "cried", "crying", "heartbroken"}},
	{MoodFrustrated, []string{"frustrated", "angry", "annoyed", "furious", "irritated", "fed up", "stressed"}},
	{MoodCalm, []string{"calm", "peaceful", "relaxed", "quiet", "serene", "content", "at ease"}},
}

// DetectMood classifies content into the closed mood vocabulary by
// case-insensitive substring matching, defaulting to neutral.
func DetectMood(content string) string {
	lower := strings.ToLower(content)
	for _, bucket := range moodKeywords {
		for _, w := range bucket.words {
			if strings.Contains(lower, w) {
				return bucket.mood
			}
		}
	}
	return MoodNeutral
}

// tagKeywords maps topic tags to their trigger words.
var tagKeywords = map[string][]string{
	"work":         {"work", "meeting", "project", "deadline", "boss", "office", "colleague", "job"},
	"family":       {"family", "mom", "dad", "mother", "father", "sister", "brother", "kids", "daughter", "son"},
	"relationship": {"partner", "boyfriend", "girlfriend", "wife", "husband", "date", "relationship"},
	"health":       {"health", "doctor", "sick", "exercise", "workout", "sleep", "tired", "gym"},
	"travel":       {"travel", "trip", "flight", "vacation", "visit", "airport", "hotel"},
	"learning":     {"learn", "study", "course", "book", "reading", "class", "practice"},
	"hobby":        {"hobby", "paint", "music", "guitar", "garden", "cook", "baking", "photography"},
}

// derivedTags are triggered by their own keyword hits rather than a topic.
var derivedTags = map[string][]string{
	"gratitude":  {"grateful", "thankful", "appreciate", "blessed"},
	"planning":   {"plan", "goal", "tomorrow", "next week", "schedule", "intend"},
	"reflection": {"realized", "reflect", "looking back", "learned", "in hindsight"},
}

// ExtractTags returns the sorted set of tags whose keywords appear in the
// content. Deterministic, case-insensitive substring matching.
func ExtractTags(content string) []string {
	lower := strings.ToLower(content)
	var tags []string

	for tag, words := range tagKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				tags = append(tags, tag)
				break
			}
		}
	}
	for tag, words := range derivedTags {
		for _, w := range words {
			if strings.Contains(lower, w) {
				tags = append(tags, tag)
				break
			}
		}
	}

	sort.Strings(tags)
	return tags
}
