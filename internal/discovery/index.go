// Package discovery implements on-demand tool loading: a BM25 search index
// over an MCP tool catalogue plus the partitioning of tools into eagerly
// loaded and deferred sets.
package discovery

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/casualmcp/casualmcp/internal/toolset"
	"github.com/casualmcp/casualmcp/mcp"
)

// Okapi BM25 parameters, matching the common defaults.
const (
	bm25K1      = 1.5
	bm25B       = 0.75
	bm25Epsilon = 0.25
)

// Result pairs a matched tool with its owning server.
type Result struct {
	Server string
	Tool   mcp.Tool
}

// Index is a BM25 search index over MCP tools. Tools are scored on their
// name and description; names are also resolvable exactly or per server.
type Index struct {
	tools    []Result
	byName   map[string]int
	byServer map[string][]int

	corpus  [][]string
	idf     map[string]float64
	avgLen  float64
	docLens []int
}

// NewIndex builds an index over the tools. serverOf maps a full tool name
// to its owning server; unmapped tools are attributed to "unknown".
func NewIndex(tools []mcp.Tool, serverOf map[string]string, log zerolog.Logger) *Index {
	idx := &Index{
		byName:   make(map[string]int, len(tools)),
		byServer: make(map[string][]int),
		idf:      make(map[string]float64),
	}

	totalLen := 0
	for i, tool := range tools {
		server, ok := serverOf[tool.Name]
		if !ok {
			server = "unknown"
		}
		idx.tools = append(idx.tools, Result{Server: server, Tool: tool})
		idx.byName[tool.Name] = i
		idx.byServer[server] = append(idx.byServer[server], i)

		doc := tokenize(tool.Name + " " + tool.Description)
		idx.corpus = append(idx.corpus, doc)
		idx.docLens = append(idx.docLens, len(doc))
		totalLen += len(doc)
	}

	if len(idx.corpus) > 0 {
		idx.avgLen = float64(totalLen) / float64(len(idx.corpus))
		idx.buildIDF()
	}

	log.Debug().
		Int("tools", len(idx.tools)).
		Int("servers", len(idx.byServer)).
		Msg("Built tool search index")
	return idx
}

// buildIDF computes Okapi IDF values. Terms appearing in over half the
// corpus get a negative raw IDF; those are floored to epsilon times the
// average, keeping very common terms from dominating with negative scores.
func (x *Index) buildIDF() {
	df := make(map[string]int)
	for _, doc := range x.corpus {
		seen := make(map[string]bool, len(doc))
		for _, term := range doc {
			if !seen[term] {
				seen[term] = true
				df[term]++
			}
		}
	}

	n := float64(len(x.corpus))
	var idfSum float64
	var negative []string
	for term, freq := range df {
		idf := math.Log((n - float64(freq) + 0.5) / (float64(freq) + 0.5))
		x.idf[term] = idf
		idfSum += idf
		if idf < 0 {
			negative = append(negative, term)
		}
	}

	avgIDF := idfSum / float64(len(x.idf))
	floor := bm25Epsilon * avgIDF
	for _, term := range negative {
		x.idf[term] = floor
	}
}

func (x *Index) score(queryTokens []string, doc int) float64 {
	freq := make(map[string]int, len(x.corpus[doc]))
	for _, term := range x.corpus[doc] {
		freq[term]++
	}

	var score float64
	docLen := float64(x.docLens[doc])
	for _, term := range queryTokens {
		tf := float64(freq[term])
		if tf == 0 {
			continue
		}
		idf := x.idf[term]
		score += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*docLen/x.avgLen))
	}
	return score
}

// Search returns up to maxResults tools matching the query, ranked by BM25
// score. Only positive scores match; when BM25 finds nothing (degenerate
// corpora score common terms at zero) a plain token-overlap count is used
// instead. serverFilter, when non-empty, drops results from other servers
// after ranking.
func (x *Index) Search(query string, maxResults int, serverFilter string) []Result {
	if len(x.corpus) == 0 || strings.TrimSpace(query) == "" {
		return nil
	}

	queryTokens := tokenize(query)

	type scored struct {
		score float64
		doc   int
	}
	var matches []scored
	for i := range x.tools {
		if s := x.score(queryTokens, i); s > 0 {
			matches = append(matches, scored{score: s, doc: i})
		}
	}

	if len(matches) == 0 {
		querySet := make(map[string]bool, len(queryTokens))
		for _, term := range queryTokens {
			querySet[term] = true
		}
		for i, doc := range x.corpus {
			overlap := 0
			seen := make(map[string]bool, len(doc))
			for _, term := range doc {
				if querySet[term] && !seen[term] {
					seen[term] = true
					overlap++
				}
			}
			if overlap > 0 {
				matches = append(matches, scored{score: float64(overlap), doc: i})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	var results []Result
	for _, m := range matches {
		entry := x.tools[m.doc]
		if serverFilter != "" && entry.Server != serverFilter {
			continue
		}
		results = append(results, entry)
		if len(results) >= maxResults {
			break
		}
	}
	return results
}

// ByServer returns every indexed tool belonging to a server, in catalogue
// order.
func (x *Index) ByServer(server string) []Result {
	var results []Result
	for _, i := range x.byServer[server] {
		results = append(results, x.tools[i])
	}
	return results
}

// ByNames looks up tools by exact name, preserving request order and
// duplicates. Names with no match are returned separately.
func (x *Index) ByNames(names []string) (found []Result, notFound []string) {
	for _, name := range names {
		if i, ok := x.byName[name]; ok {
			found = append(found, x.tools[i])
		} else {
			notFound = append(notFound, name)
		}
	}
	return found, notFound
}

// ToolCount returns the number of indexed tools.
func (x *Index) ToolCount() int {
	return len(x.tools)
}

// tokenize lowercases and splits on whitespace and underscores. Tool names
// use underscores as word separators, so both count as boundaries.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r == '_' || unicode.IsSpace(r)
	})
}

// ServerMap maps each tool name to its owning server, using the namespaced
// prefix when present.
func ServerMap(tools []mcp.Tool, serverNames map[string]bool) map[string]string {
	mapping := make(map[string]string, len(tools))
	for _, tool := range tools {
		server, _ := toolset.ExtractServerAndTool(tool.Name, serverNames)
		mapping[tool.Name] = server
	}
	return mapping
}
