// Package index is the full-text search layer derived from storage: a
// disk-backed bleve index kept in sync with Store by upsert-by-identifier
// discipline. Grounded on i5heu-ouroboros-db's
// pkg/index/index.go Indexer shape (NewIndexer/Close/IndexHash/TextSearch
// over a bleve.Index), adapted from an in-memory index to an on-disk one
// and from that repo's custom edge-ngram analyzer to the query-time
// strict/fuzzy fallback and hex-prefix detection the reference
// implementation's tantivy-based index.rs specifies exactly.
package index

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"serma/internal/errs"
)

// Doc is the denormalized, derived full-text document for one torrent.
// FileNames is tokenized into the search index but never stored or
// returned.
type Doc struct {
	InfoHashHex string
	Title       string
	Magnet      string
	Seeders     int64
	FileNames   []string
}

// Hit is one ranked search result.
type Hit struct {
	InfoHashHex string
	Title       string
	Magnet      string
	Seeders     int64
	Score       float64
}

// Index wraps an on-disk bleve.Index.
type Index struct {
	bi bleve.Index
}

// Open opens (creating if absent) the bleve index under dir.
func Open(dir string) (*Index, error) {
	bi, err := bleve.Open(dir)
	if err == bleve.ErrorIndexPathDoesNotExist || err == bleve.ErrorIndexMetaMissing {
		mapping, merr := buildMapping()
		if merr != nil {
			return nil, errs.New(errs.KindStorageBackend, "index.Open", merr)
		}
		bi, err = bleve.New(dir, mapping)
	}
	if err != nil {
		return nil, errs.New(errs.KindStorageBackend, "index.Open", err)
	}
	return &Index{bi: bi}, nil
}

func buildMapping() (mapping.IndexMapping, error) {
	titleField := bleve.NewTextFieldMapping()
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = "keyword"
	numericField := bleve.NewNumericFieldMapping()
	fileNamesField := bleve.NewTextFieldMapping()
	fileNamesField.Store = false
	fileNamesField.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("Title", titleField)
	doc.AddFieldMappingsAt("InfoHashHex", keywordField)
	doc.AddFieldMappingsAt("Magnet", keywordField)
	doc.AddFieldMappingsAt("Seeders", numericField)
	doc.AddFieldMappingsAt("FileNames", fileNamesField)

	mapping := bleve.NewIndexMapping()
	mapping.DefaultMapping = doc
	return mapping, nil
}

// Close closes the underlying bleve index.
func (idx *Index) Close() error {
	if err := idx.bi.Close(); err != nil {
		return errs.New(errs.KindStorageBackend, "index.Close", err)
	}
	return nil
}

// Upsert indexes or re-indexes d, identified by its info-hash.
func (idx *Index) Upsert(d Doc) error {
	if err := idx.bi.Index(d.InfoHashHex, d); err != nil {
		return errs.New(errs.KindStorageBackend, "index.Upsert", err)
	}
	return nil
}

// Delete removes the document for infoHashHex, if present.
func (idx *Index) Delete(infoHashHex string) error {
	if err := idx.bi.Delete(infoHashHex); err != nil {
		return errs.New(errs.KindStorageBackend, "index.Delete", err)
	}
	return nil
}

var hexCharsRe = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// normalizeHexQuery returns the lowercased query if it looks like a hex
// string (optionally prefixed "magnet:?xt=urn:btih:"), or ("", false).
func normalizeHexQuery(q string) (string, bool) {
	q = strings.TrimSpace(q)
	if idx := strings.Index(strings.ToLower(q), "btih:"); idx >= 0 {
		q = q[idx+len("btih:"):]
		if amp := strings.IndexAny(q, "&"); amp >= 0 {
			q = q[:amp]
		}
	}
	if !hexCharsRe.MatchString(q) {
		return "", false
	}
	return strings.ToLower(q), true
}

// Search runs a query in strict mode first, falling back to a
// typo-tolerant fuzzy mode if the strict parse returns nothing,
// exactly as the reference implementation's search_page does. Results
// are ranked by BM25 score adjusted by a gentle seeder-count boost.
// total is the number of documents the query matched before offset/limit
// windowing, independent of any internal candidate cap.
func (idx *Index) Search(q string, offset, limit int) (hits []Hit, total int, err error) {
	q = strings.TrimSpace(q)
	if q == "" || limit <= 0 {
		return nil, 0, nil
	}
	requested := offset + limit

	if hex, ok := normalizeHexQuery(q); ok && len(hex) >= 8 {
		all, total, err := idx.hexQuery(hex, requested)
		if err != nil {
			return nil, 0, err
		}
		return page(all, offset, limit), total, nil
	}

	all, total, err := idx.runQuery(buildStrictQuery(q), requested)
	if err != nil {
		return nil, 0, err
	}
	if len(all) == 0 {
		all, total, err = idx.runQuery(buildFuzzyQuery(q), requested)
		if err != nil {
			return nil, 0, err
		}
	}
	return page(all, offset, limit), total, nil
}

func page(hits []Hit, offset, limit int) []Hit {
	if offset >= len(hits) {
		return nil
	}
	end := offset + limit
	if end > len(hits) {
		end = len(hits)
	}
	return hits[offset:end]
}

func (idx *Index) hexQuery(hex string, limit int) ([]Hit, int, error) {
	var q query.Query
	if len(hex) == 40 {
		term := bleve.NewTermQuery(hex)
		term.SetField("InfoHashHex")
		q = term
	} else {
		prefix := bleve.NewPrefixQuery(hex)
		prefix.SetField("InfoHashHex")
		q = prefix
	}
	return idx.runQuery(q, limit)
}

func buildStrictQuery(q string) query.Query {
	title := bleve.NewMatchQuery(q)
	title.SetField("Title")
	title.SetBoost(2.0)
	hash := bleve.NewMatchQuery(q)
	hash.SetField("InfoHashHex")
	files := bleve.NewMatchQuery(q)
	files.SetField("FileNames")
	files.SetBoost(0.5)
	return bleve.NewDisjunctionQuery(title, hash, files)
}

func buildFuzzyQuery(q string) query.Query {
	tokens := strings.Fields(sanitizeQuery(q))
	if len(tokens) == 0 {
		return bleve.NewMatchNoneQuery()
	}
	conjuncts := make([]query.Query, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.ToLower(tok)
		conjuncts = append(conjuncts, tokenDisjunction(tok))
	}
	return bleve.NewConjunctionQuery(conjuncts...)
}

// tokenDisjunction matches tok against either Title or FileNames, using
// an exact match for short tokens (fuzzy matching is noisy below 4
// characters) and a fuzziness-1 match otherwise.
func tokenDisjunction(tok string) query.Query {
	if len(tok) <= 3 {
		title := bleve.NewMatchQuery(tok)
		title.SetField("Title")
		files := bleve.NewMatchQuery(tok)
		files.SetField("FileNames")
		return bleve.NewDisjunctionQuery(title, files)
	}
	title := bleve.NewFuzzyQuery(tok)
	title.SetField("Title")
	title.SetFuzziness(1)
	files := bleve.NewFuzzyQuery(tok)
	files.SetField("FileNames")
	files.SetFuzziness(1)
	return bleve.NewDisjunctionQuery(title, files)
}

func sanitizeQuery(input string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '^', '~', '*', '?', '\\', '(', ')', '[', ']', '{', '}', '!', '+', '-', '|':
			return ' '
		default:
			return r
		}
	}, input)
}

func (idx *Index) runQuery(q query.Query, limit int) ([]Hit, int, error) {
	if limit <= 0 {
		limit = 1
	}
	candidateLimit := limit * 10
	if candidateLimit < limit {
		candidateLimit = limit
	}
	if candidateLimit > 2000 {
		candidateLimit = 2000
	}

	req := bleve.NewSearchRequestOptions(q, candidateLimit, 0, false)
	req.Fields = []string{"Title", "Magnet", "Seeders"}
	res, err := idx.bi.Search(req)
	if err != nil {
		return nil, 0, errs.New(errs.KindStorageBackend, "index.Search", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		var seeders int64
		if v, ok := h.Fields["Seeders"]; ok {
			if f, ok := v.(float64); ok {
				seeders = int64(f)
			}
		}
		title, _ := h.Fields["Title"].(string)
		magnet, _ := h.Fields["Magnet"].(string)
		hits = append(hits, Hit{
			InfoHashHex: h.ID,
			Title:       title,
			Magnet:      magnet,
			Seeders:     seeders,
			Score:       adjustScore(h.Score, seeders),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Seeders > hits[j].Seeders
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, int(res.Total), nil
}

// adjustScore mirrors the reference implementation's adjust_score:
// relevance is primary, seeder count a gentle logarithmic boost.
func adjustScore(bm25 float64, seeders int64) float64 {
	if seeders < 0 {
		seeders = 0
	}
	return bm25 + math.Log(float64(seeders)+1.0)/4.0
}

// DocCount reports the number of documents in the index.
func (idx *Index) DocCount() (uint64, error) {
	n, err := idx.bi.DocCount()
	if err != nil {
		return 0, fmt.Errorf("index: doc count: %w", err)
	}
	return n, nil
}
