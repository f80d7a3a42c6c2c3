// Package reranker combines a BM25-style lexical score with an upstream
// vector score to rerank retrieved RAG chunks, and injects the selected
// chunks into a chat prompt without mutating the caller's message slice.
package reranker

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Chunk is one retrieved candidate with its vector-retrieval score.
type Chunk struct {
	DocID       string
	DocTitle    string
	DocPath     string
	ChunkID     string
	Content     string
	VectorScore float64
	Metadata    map[string]interface{}
}

// RankedChunk adds lexical and combined scores plus a bounded preview.
type RankedChunk struct {
	Chunk       Chunk
	VectorScore float64
	RerankScore float64
	FinalScore  float64
	Preview     string
}

// Result is the reranker's output.
type Result struct {
	RankedChunks    []RankedChunk
	RerankerType    string
	RerankLatencyMS float64
}

const previewMaxLen = 400

var tokenPattern = regexp.MustCompile(`\w+`)

// Params configures the BM25 scoring and score-combination weights.
type Params struct {
	K1            float64
	B             float64
	VectorWeight  float64
	LexicalWeight float64
}

// DefaultParams returns the spec's defaults (k1=1.5, b=0.75, vector
// weight=0.3, lexical weight=0.7).
func DefaultParams() Params {
	return Params{K1: 1.5, B: 0.75, VectorWeight: 0.3, LexicalWeight: 0.7}
}

// Reranker scores retrieved chunks by combining BM25 lexical overlap with
// query with their upstream vector score.
type Reranker struct {
	params Params
}

// New creates a Reranker with params. A zero Params uses DefaultParams.
func New(params Params) *Reranker {
	if params.K1 == 0 && params.B == 0 && params.VectorWeight == 0 && params.LexicalWeight == 0 {
		params = DefaultParams()
	}
	return &Reranker{params: params}
}

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func termFreq(tokens []string) map[string]int {
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

// Rerank scores and sorts chunks against query, returning the top topK (or
// all, if topK<=0). Empty input returns an empty result labeled "lexical_bm25"
// with zero latency. The orchestrator calls Rerank only when chunks are
// attached, and leaves reranker_type empty in the request log otherwise.
func (r *Reranker) Rerank(query string, chunks []Chunk, topK int) Result {
	start := time.Now()
	if len(chunks) == 0 {
		return Result{RerankerType: "lexical_bm25", RerankLatencyMS: 0}
	}

	queryTokens := tokenize(query)
	queryTF := termFreq(queryTokens)

	docTokens := make([][]string, len(chunks))
	docLengths := make([]int, len(chunks))
	totalLen := 0
	for i, c := range chunks {
		docTokens[i] = tokenize(c.Content)
		docLengths[i] = len(docTokens[i])
		totalLen += docLengths[i]
	}
	avgDocLength := 0.0
	if len(chunks) > 0 {
		avgDocLength = float64(totalLen) / float64(len(chunks))
	}

	idf := r.calculateIDF(queryTF, docTokens)

	ranked := make([]RankedChunk, len(chunks))
	for i, c := range chunks {
		docTF := termFreq(docTokens[i])
		lexical := r.bm25Score(queryTF, docTF, docLengths[i], avgDocLength, idf)
		final := r.params.VectorWeight*c.VectorScore + r.params.LexicalWeight*lexical

		preview := c.Content
		truncated := false
		if len(preview) > previewMaxLen {
			preview = preview[:previewMaxLen]
			truncated = true
		}
		if truncated {
			preview += "…"
		}

		ranked[i] = RankedChunk{
			Chunk: c, VectorScore: c.VectorScore, RerankScore: lexical, FinalScore: final, Preview: preview,
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].FinalScore > ranked[j].FinalScore })

	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}

	return Result{
		RankedChunks:    ranked,
		RerankerType:    "lexical_bm25",
		RerankLatencyMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

// calculateIDF computes inverse document frequency for every distinct query
// term. A term absent from every chunk gets IDF 0 rather than a negative
// value, matching the documented "absent term -> IDF 0" rule.
func (r *Reranker) calculateIDF(queryTF map[string]int, docTokens [][]string) map[string]float64 {
	n := len(docTokens)
	idf := make(map[string]float64, len(queryTF))
	for term := range queryTF {
		df := 0
		for _, toks := range docTokens {
			if containsToken(toks, term) {
				df++
			}
		}
		if df > 0 {
			idf[term] = math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		} else {
			idf[term] = 0
		}
	}
	return idf
}

func containsToken(tokens []string, term string) bool {
	for _, t := range tokens {
		if t == term {
			return true
		}
	}
	return false
}

// bm25Score computes the raw BM25 score for one document against the query
// term frequencies, then normalizes into [0,1] by dividing by the maximum
// theoretically achievable score and clipping.
func (r *Reranker) bm25Score(queryTF, docTF map[string]int, docLength int, avgDocLength float64, idf map[string]float64) float64 {
	score := 0.0
	for term := range queryTF {
		tf, ok := docTF[term]
		if !ok {
			continue
		}
		norm := 1.0
		if avgDocLength > 0 {
			norm = 1 - r.params.B + r.params.B*(float64(docLength)/avgDocLength)
		}
		score += idf[term] * (float64(tf) * (r.params.K1 + 1)) / (float64(tf) + r.params.K1*norm)
	}

	maxScore := 0.0
	for _, v := range idf {
		maxScore += v
	}
	maxScore *= r.params.K1 + 1
	if maxScore > 0 {
		score = math.Min(score/maxScore, 1.0)
	}
	if score < 0 {
		score = 0
	}
	return score
}
