package stream

import "strings"

const (
	DefaultMinWords = 8
	DefaultMaxWords = 20

	// Phrases this short are carried into the next phrase instead of being
	// synthesized on their own.
	minPhraseChars = 6
)

// Splitter cuts streamed model text into phrases sized for speech synthesis.
// A phrase ends at a sentence terminator once it holds MinWords words. Text
// that runs past MaxWords without one is cut at the last terminator or comma
// in its second half, or at the word limit.
type Splitter struct {
	minWords int
	maxWords int
	buffer   string
	carry    string
	emitted  bool
}

func NewSplitter(minWords, maxWords int) *Splitter {
	if minWords < 1 {
		minWords = DefaultMinWords
	}
	if maxWords < minWords {
		maxWords = minWords
	}
	return &Splitter{minWords: minWords, maxWords: maxWords}
}

// Push adds a text delta and returns any phrases it completed.
func (s *Splitter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.buffer += delta
	return s.flush(false)
}

// Finalize returns whatever text is still buffered.
func (s *Splitter) Finalize() []string {
	return s.flush(true)
}

func (s *Splitter) flush(force bool) []string {
	var out []string
	for {
		phrase, rest, ok := s.nextPhrase(s.buffer, force)
		if !ok {
			break
		}
		s.buffer = rest
		if p := s.emit(phrase); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		s.emitted = true
	}
	if force {
		// A trailing fragment too short to stand alone is dropped, unless it
		// is the whole reply.
		if s.carry != "" && !s.emitted {
			out = append(out, s.carry)
		}
		s.carry = ""
		s.buffer = ""
		s.emitted = false
	}
	return out
}

func (s *Splitter) emit(raw string) string {
	phrase := normalizePhrase(s.carry + " " + raw)
	s.carry = ""
	if len(phrase) < minPhraseChars {
		s.carry = phrase
		return ""
	}
	return phrase
}

func (s *Splitter) nextPhrase(input string, force bool) (phrase, rest string, ok bool) {
	if strings.TrimSpace(input) == "" {
		return "", input, false
	}
	if idx := lastTerminator(input); idx >= 0 && wordCount(input[:idx+1]) >= s.minWords {
		return input[:idx+1], input[idx+1:], true
	}
	if wordCount(input) >= s.maxWords {
		if idx := secondHalfBreak(input); idx >= 0 {
			return input[:idx+1], input[idx+1:], true
		}
		cut := wordBoundary(input, s.maxWords)
		return input[:cut], input[cut:], true
	}
	if force {
		return input, "", true
	}
	return "", input, false
}

func lastTerminator(input string) int {
	return strings.LastIndexAny(input, ".!?")
}

// secondHalfBreak prefers a sentence terminator over a comma, and only
// accepts a break past the middle of the text.
func secondHalfBreak(input string) int {
	half := len(input) / 2
	for _, punct := range []string{".", "!", "?", ","} {
		if pos := strings.LastIndex(input, punct); pos > half {
			return pos
		}
	}
	return -1
}

// wordBoundary returns the byte offset just past the n-th word.
func wordBoundary(input string, n int) int {
	words := 0
	inWord := false
	for i, r := range input {
		space := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		switch {
		case !space && !inWord:
			inWord = true
		case space && inWord:
			inWord = false
			words++
			if words == n {
				return i
			}
		}
	}
	return len(input)
}

func wordCount(input string) int {
	return len(strings.Fields(input))
}

func normalizePhrase(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}
