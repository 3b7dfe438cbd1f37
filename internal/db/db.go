package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names a supported database/sql driver.
type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

// ErrNotFound is returned when a document id is not in the store.
var ErrNotFound = errors.New("document not found")

// DB wraps the database connection with news-specific queries.
type DB struct {
	*sql.DB
	driver Driver
}

// Options selects the driver and data source.
type Options struct {
	Driver Driver
	DSN    string
}

// Open opens the store and applies pending migrations.
func Open(opts Options) (*DB, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	if opts.Driver != DriverSQLite && opts.Driver != DriverPostgres {
		return nil, fmt.Errorf("unknown database driver: %s", opts.Driver)
	}

	sqlDB, err := sql.Open(string(opts.Driver), opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.Driver == DriverSQLite {
		// pragmas are per connection; one connection also avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
		// WAL lets the server read while summarize writes
		if _, err := sqlDB.Exec("PRAGMA journal_mode = WAL"); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	db := &DB{DB: sqlDB, driver: opts.Driver}
	if _, err := db.Migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Driver returns the driver the store was opened with.
func (db *DB) Driver() Driver {
	return db.driver
}

// rebind rewrites ? placeholders to $n for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Document is one stored news article.
type Document struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
}

// HasSummary reports whether the document has a non-blank summary.
func (d *Document) HasSummary() bool {
	return strings.TrimSpace(d.Summary) != ""
}

// Article is a fetched article that has not been stored yet.
type Article struct {
	Title       string
	Content     string
	URL         string
	Source      string
	PublishedAt time.Time
}

// SummaryMetric records one summarization call.
type SummaryMetric struct {
	NewsID        int64
	SummaryLength int // words
	ResponseTime  time.Duration
	Model         string
}

const documentColumns = "id, title, content, summary, url, source, published_at"

func scanDocument(scan func(dest ...any) error) (*Document, error) {
	var (
		d                            Document
		title, content, summary, url sql.NullString
		source, published            sql.NullString
	)
	if err := scan(&d.ID, &title, &content, &summary, &url, &source, &published); err != nil {
		return nil, err
	}
	d.Title = title.String
	d.Content = content.String
	d.Summary = summary.String
	d.URL = url.String
	d.Source = source.String
	if published.Valid && published.String != "" {
		if t, err := time.Parse(time.RFC3339, published.String); err == nil {
			d.PublishedAt = t
		}
	}
	return &d, nil
}

func (db *DB) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// GetDocument returns the document with the given id or ErrNotFound.
func (db *DB) GetDocument(ctx context.Context, id int64) (*Document, error) {
	row := db.QueryRowContext(ctx, db.rebind("SELECT "+documentColumns+" FROM news WHERE id = ?"), id)
	d, err := scanDocument(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	return d, nil
}

// ListWithSummary returns every document with a non-blank summary, by id.
func (db *DB) ListWithSummary(ctx context.Context) ([]Document, error) {
	docs, err := db.queryDocuments(ctx, `
		SELECT `+documentColumns+` FROM news
		WHERE summary IS NOT NULL AND TRIM(summary) <> ''
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list summarized documents: %w", err)
	}
	return docs, nil
}

// ListMissingSummary returns documents without a summary whose content is
// longer than minContent characters.
func (db *DB) ListMissingSummary(ctx context.Context, minContent int) ([]Document, error) {
	docs, err := db.queryDocuments(ctx, `
		SELECT `+documentColumns+` FROM news
		WHERE (summary IS NULL OR TRIM(summary) = '')
		  AND content IS NOT NULL
		  AND LENGTH(content) > ?
		ORDER BY id
	`, minContent)
	if err != nil {
		return nil, fmt.Errorf("list documents missing summary: %w", err)
	}
	return docs, nil
}

// InsertArticle stores a new article. Articles are unique by URL; a
// duplicate returns inserted=false and no error.
func (db *DB) InsertArticle(ctx context.Context, a Article) (id int64, inserted bool, err error) {
	var published any
	if !a.PublishedAt.IsZero() {
		published = a.PublishedAt.UTC().Format(time.RFC3339)
	}

	err = db.QueryRowContext(ctx, db.rebind(`
		INSERT INTO news (title, content, url, source, published_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (url) DO NOTHING
		RETURNING id
	`), a.Title, a.Content, a.URL, a.Source, published).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert article: %w", err)
	}
	return id, true, nil
}

// UpdateSummary sets the summary of a document.
func (db *DB) UpdateSummary(ctx context.Context, id int64, summary string) error {
	res, err := db.ExecContext(ctx, db.rebind("UPDATE news SET summary = ? WHERE id = ?"), summary, id)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// InsertSummaryMetric records the outcome of one summarization call.
func (db *DB) InsertSummaryMetric(ctx context.Context, m SummaryMetric) error {
	_, err := db.ExecContext(ctx, db.rebind(`
		INSERT INTO summary_metrics (news_id, summary_length, response_time, model)
		VALUES (?, ?, ?, ?)
	`), m.NewsID, m.SummaryLength, m.ResponseTime.Seconds(), m.Model)
	if err != nil {
		return fmt.Errorf("insert summary metric: %w", err)
	}
	return nil
}

// ArticleFilter narrows ListArticles.
type ArticleFilter struct {
	Source string
	Limit  int
	Offset int
}

// ListArticles returns articles newest first.
func (db *DB) ListArticles(ctx context.Context, f ArticleFilter) ([]Document, error) {
	query := "SELECT " + documentColumns + " FROM news"
	var args []any
	if f.Source != "" {
		query += " WHERE source = ?"
		args = append(args, f.Source)
	}
	query += " ORDER BY published_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, max(f.Offset, 0))
	}

	docs, err := db.queryDocuments(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	return docs, nil
}

// Sources returns the distinct article sources, sorted.
func (db *DB) Sources(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT source FROM news
		WHERE source IS NOT NULL AND source <> ''
		ORDER BY source
	`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// Stats holds the corpus counters and summarization KPIs.
type Stats struct {
	Articles           int64   `json:"articles"`
	Summarized         int64   `json:"summarized"`
	Sources            int64   `json:"sources"`
	SummaryMetrics     int64   `json:"summary_metrics"`
	AvgSummaryWords    float64 `json:"avg_summary_words"`
	AvgResponseSeconds float64 `json:"avg_response_seconds"`
}

// Stats returns corpus statistics.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}

	counts := []struct {
		dest  *int64
		query string
	}{
		{&s.Articles, "SELECT COUNT(*) FROM news"},
		{&s.Summarized, "SELECT COUNT(*) FROM news WHERE summary IS NOT NULL AND TRIM(summary) <> ''"},
		{&s.Sources, "SELECT COUNT(DISTINCT source) FROM news WHERE source IS NOT NULL AND source <> ''"},
		{&s.SummaryMetrics, "SELECT COUNT(*) FROM summary_metrics"},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}

	var words, secs sql.NullFloat64
	err := db.QueryRowContext(ctx,
		"SELECT AVG(summary_length), AVG(response_time) FROM summary_metrics",
	).Scan(&words, &secs)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	s.AvgSummaryWords = words.Float64
	s.AvgResponseSeconds = secs.Float64

	return s, nil
}
