package parse

import (
	"fmt"
	"sort"
	"strings"

	"assessline/internal/domain"
)

const (
	maxSnippet   = 300
	maxPageRange = 50
)

// MergeCitations folds grounding chunks into one citation per document, with
// the union of cited pages in ascending order and the first non-empty cited
// text as snippet. Documents keep the order in which they were first cited.
func MergeCitations(grounding []domain.GroundingChunk) []domain.Citation {
	res := []domain.Citation{}
	index := map[string]int{}
	pages := map[string]map[int]bool{}
	for _, g := range grounding {
		name := strings.TrimSpace(g.DocumentTitle)
		if name == "" {
			name = fmt.Sprintf("document %d", g.DocumentIndex+1)
		}
		i, ok := index[name]
		if !ok {
			i = len(res)
			index[name] = i
			res = append(res, domain.Citation{DocumentName: name, PageNumbers: []int{}})
			pages[name] = map[int]bool{}
		}
		if g.StartPage > 0 {
			end := g.EndPage
			if end < g.StartPage {
				end = g.StartPage
			}
			if end-g.StartPage > maxPageRange {
				end = g.StartPage + maxPageRange
			}
			for p := g.StartPage; p <= end; p++ {
				pages[name][p] = true
			}
		}
		if res[i].Snippet == "" {
			res[i].Snippet = truncate(strings.TrimSpace(g.Text), maxSnippet)
		}
	}
	for i := range res {
		for p := range pages[res[i].DocumentName] {
			res[i].PageNumbers = append(res[i].PageNumbers, p)
		}
		sort.Ints(res[i].PageNumbers)
	}
	return res
}
