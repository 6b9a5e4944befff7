// internal/api/handlers.go
package api

import (
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"serma/internal/errs"
	"serma/internal/index"
	"serma/internal/storage"
)

// searchHit is the JSON shape of one /api/search result.
type searchHit struct {
	InfoHash string  `json:"info_hash"`
	Title    string  `json:"title"`
	Magnet   string  `json:"magnet"`
	Seeders  int64   `json:"seeders"`
	Score    float64 `json:"score"`
}

type searchResponse struct {
	Query   string      `json:"query"`
	Offset  int         `json:"offset"`
	Limit   int         `json:"limit"`
	Total   int         `json:"total"`
	Results []searchHit `json:"results"`
}

type torrentResponse struct {
	InfoHash  string `json:"info_hash"`
	Title     string `json:"title"`
	Magnet    string `json:"magnet"`
	Seeders   int64  `json:"seeders"`
	Resolved  bool   `json:"resolved"`
	FirstSeen int64  `json:"first_seen_unix_ms"`
	LastSeen  int64  `json:"last_seen_unix_ms"`
}

// defaultSearchLimit and maxSearchLimit bound /api/search's limit param.
const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

func errorJSON(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}

// searchHandler serves GET /api/search?q=&limit=&offset=.
func searchHandler(idx *index.Index, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			errorJSON(w, r, http.StatusBadRequest, "missing required query parameter q")
			return
		}

		limit := intParam(r, "limit", defaultSearchLimit)
		if limit < 1 {
			limit = 1
		} else if limit > maxSearchLimit {
			limit = maxSearchLimit
		}
		offset := intParam(r, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		hits, total, err := idx.Search(q, offset, limit)
		if err != nil {
			log.Warn().Err(err).Str("q", q).Msg("api: search failed")
			errorJSON(w, r, http.StatusInternalServerError, "search failed")
			return
		}

		out := make([]searchHit, 0, len(hits))
		for _, h := range hits {
			out = append(out, searchHit{
				InfoHash: h.InfoHashHex,
				Title:    h.Title,
				Magnet:   h.Magnet,
				Seeders:  h.Seeders,
				Score:    h.Score,
			})
		}
		render.JSON(w, r, searchResponse{Query: q, Offset: offset, Limit: limit, Total: total, Results: out})
	}
}

// torrentHandler serves GET /api/torrent/{hash}.
func torrentHandler(store *storage.Store, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := chi.URLParam(r, "hash")
		record, err := store.Get(hash)
		if err == errs.ErrNotFound {
			errorJSON(w, r, http.StatusNotFound, "unknown info hash")
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("api: get failed")
			errorJSON(w, r, http.StatusInternalServerError, "lookup failed")
			return
		}
		render.JSON(w, r, torrentResponse{
			InfoHash:  record.InfoHashHex,
			Title:     record.Title,
			Magnet:    record.Magnet,
			Seeders:   record.Seeders,
			Resolved:  record.HasMetadata(),
			FirstSeen: record.FirstSeenUnixMS,
			LastSeen:  record.LastSeenUnixMS,
		})
	}
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

var homeTemplate = template.Must(template.New("home").Parse(`<!doctype html>
<html><head><title>Serma</title></head>
<body>
<h1>Serma</h1>
<form action="/search" method="get">
<input type="text" name="q" placeholder="search torrents" autofocus>
<button type="submit">Search</button>
</form>
</body></html>`))

var searchTemplate = template.Must(template.New("search").Parse(`<!doctype html>
<html><head><title>Serma search</title></head>
<body>
<h1>Serma</h1>
<form action="/search" method="get">
<input type="text" name="q" value="{{.Query}}" autofocus>
<button type="submit">Search</button>
</form>
<ul>
{{range .Results}}
<li><a href="{{.Magnet}}">{{.Title}}</a> ({{.Seeders}} seeders)</li>
{{else}}
<li>No results.</li>
{{end}}
</ul>
</body></html>`))

// homeHandler serves the minimal operator-facing HTML page.
func homeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = homeTemplate.Execute(w, nil)
	}
}

// searchPageHandler serves the minimal HTML search results page.
func searchPageHandler(idx *index.Index, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		var hits []index.Hit
		if q != "" {
			var err error
			hits, _, err = idx.Search(q, 0, defaultSearchLimit)
			if err != nil {
				log.Warn().Err(err).Str("q", q).Msg("api: search page failed")
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = searchTemplate.Execute(w, struct {
			Query   string
			Results []index.Hit
		}{Query: q, Results: hits})
	}
}
