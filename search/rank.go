package search

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/leeineian/earworm/media"
)

// Ranker orders candidates best first. It must not drop or add candidates.
type Ranker interface {
	Rank(q media.Query, cands []media.Candidate) []media.Candidate
}

type RankerFunc func(q media.Query, cands []media.Candidate) []media.Candidate

func (f RankerFunc) Rank(q media.Query, cands []media.Candidate) []media.Candidate {
	return f(q, cands)
}

// FirstResult keeps the platform's order.
var FirstResult Ranker = RankerFunc(func(_ media.Query, cands []media.Candidate) []media.Candidate {
	return cands
})

// nonStudio marks titles that usually aren't the studio recording.
var nonStudio = []string{"live", "remix", "cover", "karaoke", "instrumental", "sped up", "slowed", "8d", "reaction", "lyrics"}

// PreferStudio pushes live, remix, cover and similar uploads behind the rest,
// unless the query itself asks for them. Ties keep platform order.
var PreferStudio Ranker = RankerFunc(func(q media.Query, cands []media.Candidate) []media.Candidate {
	wanted := words(q.TrackName)
	penalty := func(c media.Candidate) int {
		title := words(c.Title)
		n := 0
		for _, w := range nonStudio {
			if strings.Contains(title, " "+w+" ") && !strings.Contains(wanted, " "+w+" ") {
				n++
			}
		}
		return n
	}

	out := slices.Clone(cands)
	slices.SortStableFunc(out, func(a, b media.Candidate) int {
		return penalty(a) - penalty(b)
	})
	return out
})

// words normalizes s and pads it so whole words match with " w ".
func words(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, media.Normalize(s))
	return " " + strings.Join(strings.Fields(s), " ") + " "
}

// RankerByName maps a configuration value onto a Ranker.
func RankerByName(name string) (Ranker, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "first":
		return FirstResult, nil
	case "studio":
		return PreferStudio, nil
	default:
		return nil, fmt.Errorf("unknown ranker %q: want first or studio", name)
	}
}
