package reply

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/lexiqai/companion-voice/internal/tts"
)

var (
	stageDirection = regexp.MustCompile(`\*[^*]*\*|\[[^\]]*\]`)
	markdownNoise  = regexp.MustCompile("[#_`~>]+")
	whitespace     = regexp.MustCompile(`\s+`)
)

// TrimForSpeech strips non-spoken markup and keeps at most maxSentences
// sentences and maxChars characters, cutting on a word boundary when needed.
func TrimForSpeech(text string, maxSentences, maxChars int) string {
	text = stageDirection.ReplaceAllString(text, " ")
	text = markdownNoise.ReplaceAllString(text, " ")
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if text == "" {
		return ""
	}

	if maxSentences > 0 {
		sentences := splitSentences(text)
		if len(sentences) > maxSentences {
			sentences = sentences[:maxSentences]
		}
		text = strings.Join(sentences, " ")
	}

	if maxChars > 0 && len([]rune(text)) > maxChars {
		runes := []rune(text)[:maxChars]
		cut := len(runes)
		for i := len(runes) - 1; i > maxChars/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		text = strings.TrimRightFunc(string(runes[:cut]), func(r rune) bool {
			return unicode.IsSpace(r) || r == ',' || r == ';' || r == ':' || r == '-'
		})
		if !endsSentence(text) {
			text += "."
		}
	}
	return text
}

// splitSentences splits on terminal punctuation followed by whitespace
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		// Swallow runs like "?!" or "..."
		j := i
		for j+1 < len(runes) && (isTerminal(runes[j+1]) || runes[j+1] == '"' || runes[j+1] == '\'') {
			j++
		}
		if j+1 == len(runes) || unicode.IsSpace(runes[j+1]) {
			if s := strings.TrimSpace(string(runes[start : j+1])); s != "" {
				sentences = append(sentences, s)
			}
			start = j + 1
		}
		i = j
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func endsSentence(text string) bool {
	if text == "" {
		return false
	}
	r := []rune(text)
	return isTerminal(r[len(r)-1])
}

// Tone is the delivery style derived from the user's line
type Tone string

const (
	ToneCalm        Tone = "calm"
	ToneEnergetic   Tone = "energetic"
	ToneInquisitive Tone = "inquisitive"
)

// DetectTone classifies the input by its punctuation
func DetectTone(input string) Tone {
	switch {
	case strings.Contains(input, "!"):
		return ToneEnergetic
	case strings.Contains(input, "?"):
		return ToneInquisitive
	}
	return ToneCalm
}

// DeriveProsody maps the user's line and the relationship intensity onto voice settings
func DeriveProsody(input string, intensity float64) tts.VoiceSettings {
	v := tts.DefaultVoiceSettings()
	switch DetectTone(input) {
	case ToneEnergetic:
		v.Stability = 0.3
		v.Style = 0.6
	case ToneInquisitive:
		v.Stability = 0.45
		v.Style = 0.35
	default:
		v.Stability = 0.65
		v.Style = 0.15
	}
	v.Style += 0.2 * intensity
	return v.Clamp()
}
