package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	books "google.golang.org/api/books/v1"
	"google.golang.org/api/option"

	"shelfnotes.io/reading-companion/internal/store"
)

const (
	catalogMaxResults = 20
	unknownAuthor     = "Unknown author"
)

// Catalog looks books up in a public catalog. Results are candidates and
// are not saved.
type Catalog interface {
	SearchByTitleOrAuthor(ctx context.Context, query string) ([]store.Book, error)
	SearchByISBN(ctx context.Context, isbn string) (*store.Book, error)
}

type CatalogConfig struct {
	APIKey   string
	Language string // langRestrict; empty means any language
	CacheTTL time.Duration
}

// GoogleBooksCatalog queries the Google Books volumes API.
type GoogleBooksCatalog struct {
	svc      *books.Service
	language string
	cache    *cache.Cache
	group    singleflight.Group
	logger   *zap.Logger
}

func NewGoogleBooksCatalog(ctx context.Context, cfg CatalogConfig, logger *zap.Logger, opts ...option.ClientOption) (*GoogleBooksCatalog, error) {
	// The volumes search works anonymously, with lower quotas.
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	} else {
		opts = append(opts, option.WithoutAuthentication())
	}
	svc, err := books.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create books client: %w", err)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoogleBooksCatalog{
		svc:      svc,
		language: cfg.Language,
		cache:    cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:   logger,
	}, nil
}

func (c *GoogleBooksCatalog) SearchByTitleOrAuthor(ctx context.Context, query string) ([]store.Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []store.Book{}, nil
	}
	found, err := c.lookup(ctx, "q:"+strings.ToLower(query), query, catalogMaxResults, c.language)
	if err != nil {
		return nil, err
	}
	return found, nil
}

// SearchByISBN returns the first catalog match, or ErrBookNotFound.
func (c *GoogleBooksCatalog) SearchByISBN(ctx context.Context, isbn string) (*store.Book, error) {
	clean := CleanISBN(isbn)
	if clean == "" {
		return nil, ErrBookNotFound
	}
	found, err := c.lookup(ctx, "isbn:"+clean, "isbn:"+clean, 1, "")
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrBookNotFound
	}
	return &found[0], nil
}

func (c *GoogleBooksCatalog) lookup(ctx context.Context, key, q string, limit int64, lang string) ([]store.Book, error) {
	if v, ok := c.cache.Get(key); ok {
		return cloneBooks(v.([]store.Book)), nil
	}
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		call := c.svc.Volumes.List(q).MaxResults(limit).Context(ctx)
		if lang != "" {
			call = call.LangRestrict(lang)
		}
		res, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to query book catalog: %w", err)
		}
		out := make([]store.Book, 0, len(res.Items))
		for _, item := range res.Items {
			if b, ok := volumeToBook(item); ok {
				out = append(out, b)
			}
		}
		c.cache.Set(key, out, cache.DefaultExpiration)
		return out, nil
	})
	if err != nil {
		c.logger.Warn("Catalog lookup failed", zap.String("query", q), zap.Error(err))
		return nil, err
	}
	c.logger.Debug("Catalog lookup", zap.String("query", q), zap.Bool("shared", shared))
	return cloneBooks(v.([]store.Book)), nil
}

// CleanISBN keeps digits and the X check character.
func CleanISBN(isbn string) string {
	var sb strings.Builder
	for _, r := range isbn {
		switch {
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == 'x' || r == 'X':
			sb.WriteRune('X')
		}
	}
	return sb.String()
}

func volumeToBook(v *books.Volume) (store.Book, bool) {
	if v == nil || v.VolumeInfo == nil || strings.TrimSpace(v.VolumeInfo.Title) == "" {
		return store.Book{}, false
	}
	info := v.VolumeInfo
	b := store.Book{
		Title:    info.Title,
		Author:   unknownAuthor,
		Status:   store.ReadingStatusWantToRead,
		Genres:   append([]string(nil), info.Categories...),
		Language: info.Language,
	}
	if len(info.Authors) > 0 {
		b.Author = strings.Join(info.Authors, ", ")
	}
	if isbn := pickISBN(info.IndustryIdentifiers); isbn != "" {
		b.ISBN = &isbn
	}
	if info.ImageLinks != nil {
		cover := info.ImageLinks.Thumbnail
		if cover == "" {
			cover = info.ImageLinks.SmallThumbnail
		}
		if cover != "" {
			cover = strings.Replace(cover, "http://", "https://", 1)
			b.CoverURL = &cover
		}
	}
	if info.Description != "" {
		d := info.Description
		b.Summary = &d
	}
	if info.Publisher != "" {
		p := info.Publisher
		b.Publisher = &p
	}
	if len(info.PublishedDate) >= 4 {
		if year, err := strconv.Atoi(info.PublishedDate[:4]); err == nil {
			b.PublishedYear = &year
		}
	}
	if info.PageCount > 0 {
		pages := int(info.PageCount)
		b.PageCount = &pages
	}
	return b, true
}

// pickISBN prefers ISBN_13 over ISBN_10.
func pickISBN(ids []*books.VolumeVolumeInfoIndustryIdentifiers) string {
	var isbn10 string
	for _, id := range ids {
		if id == nil {
			continue
		}
		switch id.Type {
		case "ISBN_13":
			return id.Identifier
		case "ISBN_10":
			if isbn10 == "" {
				isbn10 = id.Identifier
			}
		}
	}
	return isbn10
}

func cloneBooks(in []store.Book) []store.Book {
	out := make([]store.Book, len(in))
	copy(out, in)
	return out
}
