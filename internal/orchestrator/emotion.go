package orchestrator

import "strings"

const emotionConfidence = 0.8

var emotionKeywords = []struct {
	emotion  string
	keywords []string
}{
	{"happy", []string{"happy", "glad", "excited", "wonderful", "great"}},
	{"sad", []string{"sad", "sorry", "unfortunately", "disappointed"}},
	{"angry", []string{"angry", "frustrated", "annoyed"}},
	{"surprised", []string{"wow", "amazing", "surprising", "incredible"}},
}

// detectEmotions returns every emotion with a keyword in text, or neutral.
func detectEmotions(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, e := range emotionKeywords {
		for _, kw := range e.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, e.emotion)
				break
			}
		}
	}
	if len(out) == 0 {
		return []string{"neutral"}
	}
	return out
}

// detectExpression picks the facial expression for one script sentence.
func detectExpression(sentence string) string {
	lower := strings.ToLower(sentence)
	switch {
	case strings.Contains(lower, "happy") || strings.Contains(lower, "excited") || strings.Contains(lower, "great"):
		return "happy"
	case strings.Contains(lower, "sad") || strings.Contains(lower, "sorry"):
		return "sad"
	case strings.Contains(lower, "question") || strings.Contains(lower, "?"):
		return "curious"
	case strings.Contains(lower, "important") || strings.Contains(lower, "serious"):
		return "serious"
	default:
		return "neutral"
	}
}

var expressionDescriptions = map[string]string{
	"happy":   "smiling warmly, joyful expression",
	"sad":     "concerned expression, empathetic look",
	"curious": "inquiring expression, slightly raised eyebrows",
	"serious": "professional, focused expression",
	"neutral": "calm, neutral expression",
}
