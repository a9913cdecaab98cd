package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/option"

	"shelfnotes.io/reading-companion/internal/store"
)

const solarisVolumes = `{
  "totalItems": 2,
  "items": [
    {"id": "v1", "volumeInfo": {
      "title": "Solaris",
      "authors": ["Stanisław Lem"],
      "publisher": "Harcourt",
      "publishedDate": "1961-05",
      "description": "A planet-wide ocean.",
      "pageCount": 204,
      "categories": ["Fiction"],
      "language": "en",
      "imageLinks": {"smallThumbnail": "http://books.example/s.jpg", "thumbnail": "http://books.example/t.jpg"},
      "industryIdentifiers": [
        {"type": "ISBN_10", "identifier": "0156027607"},
        {"type": "ISBN_13", "identifier": "9780156027601"}
      ]
    }},
    {"id": "v2", "volumeInfo": {"authors": ["No Title"]}}
  ]
}`

type catalogServer struct {
	hits    atomic.Int32
	mu      sync.Mutex
	queries []string
	body    string
}

func newCatalogServer(t *testing.T, body string) (*catalogServer, *GoogleBooksCatalog) {
	t.Helper()
	cs := &catalogServer{body: body}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		cs.mu.Lock()
		cs.queries = append(cs.queries, r.URL.Query().Get("q")+"|"+r.URL.Query().Get("maxResults"))
		cs.mu.Unlock()
		if !strings.HasSuffix(r.URL.Path, "/volumes") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(cs.body))
	}))
	t.Cleanup(srv.Close)

	catalog, err := NewGoogleBooksCatalog(context.Background(), CatalogConfig{}, zaptest.NewLogger(t),
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return cs, catalog
}

func TestCatalogSearchMapsVolumes(t *testing.T) {
	cs, catalog := newCatalogServer(t, solarisVolumes)

	found, err := catalog.SearchByTitleOrAuthor(context.Background(), "Solaris Lem")
	require.NoError(t, err)
	require.Len(t, found, 1)
	b := found[0]
	assert.Equal(t, "Solaris", b.Title)
	assert.Equal(t, "Stanisław Lem", b.Author)
	require.NotNil(t, b.ISBN)
	assert.Equal(t, "9780156027601", *b.ISBN)
	require.NotNil(t, b.CoverURL)
	assert.Equal(t, "https://books.example/t.jpg", *b.CoverURL)
	require.NotNil(t, b.PublishedYear)
	assert.Equal(t, 1961, *b.PublishedYear)
	require.NotNil(t, b.PageCount)
	assert.Equal(t, 204, *b.PageCount)
	assert.Equal(t, []string{"Fiction"}, b.Genres)
	assert.Equal(t, store.ReadingStatusWantToRead, b.Status)

	assert.Equal(t, []string{"Solaris Lem|20"}, cs.queries)
}

func TestCatalogCachesLookups(t *testing.T) {
	cs, catalog := newCatalogServer(t, solarisVolumes)

	_, err := catalog.SearchByTitleOrAuthor(context.Background(), "Solaris")
	require.NoError(t, err)
	_, err = catalog.SearchByTitleOrAuthor(context.Background(), "  solaris ")
	require.NoError(t, err)
	assert.Equal(t, int32(1), cs.hits.Load())

	empty, err := catalog.SearchByTitleOrAuthor(context.Background(), " ")
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, int32(1), cs.hits.Load())
}

func TestCatalogSearchByISBN(t *testing.T) {
	cs, catalog := newCatalogServer(t, solarisVolumes)

	b, err := catalog.SearchByISBN(context.Background(), "978-0-15-602760-1")
	require.NoError(t, err)
	assert.Equal(t, "Solaris", b.Title)
	assert.Equal(t, []string{"isbn:9780156027601|1"}, cs.queries)

	_, err = catalog.SearchByISBN(context.Background(), "--")
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestCatalogISBNNoMatch(t *testing.T) {
	_, catalog := newCatalogServer(t, `{"totalItems": 0}`)
	_, err := catalog.SearchByISBN(context.Background(), "0000000000")
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestCatalogServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 400, "message": "bad query"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()
	catalog, err := NewGoogleBooksCatalog(context.Background(), CatalogConfig{}, nil,
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = catalog.SearchByTitleOrAuthor(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query book catalog")
}

func TestCleanISBN(t *testing.T) {
	assert.Equal(t, "080442957X", CleanISBN("0-8044-2957-x"))
	assert.Equal(t, "9780140447934", CleanISBN("ISBN 978 0 14 044793 4"))
	assert.Equal(t, "", CleanISBN("n/a"))
}
