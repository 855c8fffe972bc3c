package toolcall

import (
	"sort"
	"strings"
)

// Replace substitutes the raw text of each call with results[call.ID].
// Calls without a result are left untouched. Offsets refer to the text the
// calls were parsed from; substitution runs from the end backwards so earlier
// offsets stay valid. Overlapping calls after the first replaced one are skipped.
func Replace(text string, calls []Call, results map[int]string) string {
	ordered := make([]Call, 0, len(calls))
	for _, c := range calls {
		if _, ok := results[c.ID]; ok {
			ordered = append(ordered, c)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	var b strings.Builder
	tail := len(text)
	var pieces []string
	for _, c := range ordered {
		if c.Start < 0 || c.End > tail || c.Start > c.End || text[c.Start:c.End] != c.Raw {
			continue
		}
		pieces = append(pieces, text[c.End:tail], results[c.ID])
		tail = c.Start
	}
	b.Grow(len(text))
	b.WriteString(text[:tail])
	for i := len(pieces) - 1; i >= 0; i-- {
		b.WriteString(pieces[i])
	}
	return b.String()
}
