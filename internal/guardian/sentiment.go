package guardian

import (
	"math"
	"strings"
)

// Lexical sentiment scoring in the VADER style: a valence lexicon, booster
// words that scale the following term, and negation that flips it. The
// compound score normalizes the summed valence into [-1, 1] with
// sum / sqrt(sum^2 + 15), so the same text always scores the same.

const compoundNormalizer = 15.0

// boosterScale is how much an intensifier shifts the next valence word.
const boosterScale = 0.293

// negationScale flips and damps the valence of the word it precedes.
const negationScale = -0.74

var valenceLexicon = map[string]float64{
	// Positive.
	"good": 1.9, "great": 3.1, "excellent": 2.7, "amazing": 2.8,
	"awesome": 3.1, "fantastic": 2.6, "wonderful": 2.7, "perfect": 2.7,
	"love": 3.2, "loved": 2.9, "like": 1.5, "liked": 1.8,
	"happy": 2.7, "glad": 2.0, "pleased": 1.9, "satisfied": 1.6,
	"thanks": 1.9, "thank": 1.5, "helpful": 1.8, "nice": 1.8,
	"best": 3.2, "better": 1.9, "fine": 0.8, "works": 1.2,
	"resolved": 1.4, "solved": 1.5, "appreciate": 2.0, "easy": 1.3,

	// Negative.
	"bad": -2.5, "terrible": -2.1, "awful": -2.0, "horrible": -2.5,
	"worst": -3.1, "worse": -2.1, "disgusting": -2.4, "hate": -2.7,
	"hated": -2.7, "angry": -2.3, "furious": -2.6, "mad": -2.2,
	"upset": -1.6, "frustrated": -2.1, "frustrating": -2.2,
	"annoyed": -1.8, "annoying": -1.9, "disappointed": -2.1,
	"disappointing": -2.2, "useless": -1.8, "broken": -1.6,
	"unacceptable": -2.2, "ridiculous": -1.8, "outrageous": -2.2,
	"stupid": -2.4, "idiot": -2.3, "incompetent": -2.2,
	"scam": -2.6, "fraud": -2.8, "stolen": -2.2, "sue": -1.8,
	"lawsuit": -1.9, "threat": -2.2, "kill": -3.0, "hurt": -2.0,
	"harm": -2.2, "emergency": -1.8, "problem": -1.4, "problems": -1.4,
	"issue": -1.1, "issues": -1.2, "fail": -2.1, "failed": -2.0,
	"failure": -2.2, "wrong": -1.7, "cancel": -1.3, "never": -1.2,
	"unbelievable": -1.3, "wasting": -1.8, "waste": -1.8,
}

var boosterWords = map[string]float64{
	"very": boosterScale, "really": boosterScale, "extremely": boosterScale * 1.5,
	"absolutely": boosterScale * 1.3, "completely": boosterScale * 1.2,
	"totally": boosterScale * 1.2, "so": boosterScale * 0.8,
	"incredibly": boosterScale * 1.4,
	"slightly": -boosterScale, "somewhat": -boosterScale * 0.8,
	"barely": -boosterScale * 1.2, "kind": -boosterScale * 0.5,
}

var negationWords = map[string]bool{
	"not": true, "no": true, "never": true, "neither": true,
	"nobody": true, "nothing": true, "nowhere": true, "isnt": true,
	"isn't": true, "wasnt": true, "wasn't": true, "dont": true,
	"don't": true, "doesnt": true, "doesn't": true, "didnt": true,
	"didn't": true, "cant": true, "can't": true, "cannot": true,
	"wont": true, "won't": true, "couldnt": true, "couldn't": true,
}

// SentimentScore returns the compound sentiment of text in [-1, 1].
// Zero means neutral or empty input.
func SentimentScore(text string) float64 {
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}

	var sum float64
	for i, w := range words {
		valence, ok := valenceLexicon[w]
		if !ok {
			continue
		}

		// Scan up to two preceding words for boosters and negation.
		for back := 1; back <= 2 && i-back >= 0; back++ {
			prev := words[i-back]
			if boost, ok := boosterWords[prev]; ok {
				if valence > 0 {
					valence += boost
				} else {
					valence -= boost
				}
			}
			if negationWords[prev] {
				valence *= negationScale
			}
		}

		// ALL-CAPS emphasis in the raw text is lost by tokenization; an
		// exclamation mark at the end of the utterance stands in for it.
		sum += valence
	}

	if strings.HasSuffix(strings.TrimSpace(text), "!") && sum != 0 {
		sum += math.Copysign(0.292, sum)
	}

	compound := sum / math.Sqrt(sum*sum+compoundNormalizer)
	return math.Max(-1, math.Min(1, compound))
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"()[]")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
