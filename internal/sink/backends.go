package sink

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xuri/excelize/v2"

	"github.com/erndmrc/crawlengine/internal/keyword"
	"github.com/erndmrc/crawlengine/internal/mdconvert"
)

// FilesystemSink lays MarkdownDocs out as a directory tree, one file per
// page under OutputDir/<category>/<slug>.md, and KeywordHits as CSV rows
// under OutputDir/hits.csv — CSV and filesystem tree implemented as a
// single combined backend.
type FilesystemSink struct {
	outputDir string

	mu         sync.Mutex
	csvFile    *os.File
	csvWriter  *csv.Writer
	csvOpened  bool
}

// NewFilesystemSink prepares outputDir for writing; it is created lazily
// per-category as documents arrive.
func NewFilesystemSink(outputDir string) (*FilesystemSink, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FilesystemSink{outputDir: outputDir}, nil
}

func (f *FilesystemSink) EmitKeywordHit(hit keyword.Hit) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.csvOpened {
		path := filepath.Join(f.outputDir, "hits.csv")
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create hits.csv: %w", err)
		}
		file.Write([]byte{0xEF, 0xBB, 0xBF}) // UTF-8 BOM for spreadsheet compatibility
		f.csvFile = file
		f.csvWriter = csv.NewWriter(file)
		if err := f.csvWriter.Write([]string{"url", "keyword", "context_text"}); err != nil {
			return fmt.Errorf("write hits.csv header: %w", err)
		}
		f.csvOpened = true
	}

	if err := f.csvWriter.Write([]string{hit.URL, hit.Keyword, hit.ContextText}); err != nil {
		return fmt.Errorf("write hit row: %w", err)
	}
	f.csvWriter.Flush()
	return f.csvWriter.Error()
}

func (f *FilesystemSink) EmitMarkdownDoc(doc mdconvert.Doc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Join(f.outputDir, sanitizeSegment(doc.Category))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create category dir: %w", err)
	}

	name := sanitizeSegment(slugFromURL(doc.URL)) + ".md"
	path := filepath.Join(dir, name)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", doc.Metadata.Title)
	fmt.Fprintf(&b, "Source: %s\n\n", doc.URL)
	b.WriteString(doc.MarkdownBody)
	b.WriteString("\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write markdown doc: %w", err)
	}
	return nil
}

func (f *FilesystemSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.csvWriter != nil {
		f.csvWriter.Flush()
	}
	if f.csvFile != nil {
		return f.csvFile.Close()
	}
	return nil
}

func sanitizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "page"
	}
	return out
}

func slugFromURL(rawURL string) string {
	rawURL = strings.TrimSuffix(rawURL, "/")
	if idx := strings.LastIndex(rawURL, "/"); idx != -1 {
		return rawURL[idx+1:]
	}
	return rawURL
}

// schema mirrors erndmrc-spider2's two-table layout
// (internal/storage/schema.go) reduced to the two result shapes this
// engine produces instead of its original full SEO-audit schema.
const schema = `
CREATE TABLE IF NOT EXISTS keyword_hits (
	url TEXT NOT NULL,
	keyword TEXT NOT NULL,
	context_text TEXT NOT NULL,
	UNIQUE(url, keyword, context_text)
);
CREATE TABLE IF NOT EXISTS markdown_docs (
	url TEXT NOT NULL UNIQUE,
	category TEXT NOT NULL,
	markdown_body TEXT NOT NULL,
	title TEXT,
	link_count INTEGER,
	image_count INTEGER,
	word_count INTEGER
);
`

// SQLiteSink persists PageResults to a SQLite database, grounded on
// erndmrc-spider2's Database (internal/storage/database.go): same
// WAL-mode DSN tuning and single-writer connection pool, re-pointed at
// the two result tables this engine needs instead of its original
// crawl-audit schema.
type SQLiteSink struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteSink opens (creating if absent) a SQLite database at path and
// ensures its schema exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite sink: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sink schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) EmitKeywordHit(hit keyword.Hit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO keyword_hits (url, keyword, context_text) VALUES (?, ?, ?)`,
		hit.URL, hit.Keyword, hit.ContextText,
	)
	return err
}

func (s *SQLiteSink) EmitMarkdownDoc(doc mdconvert.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO markdown_docs (url, category, markdown_body, title, link_count, image_count, word_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.URL, doc.Category, doc.MarkdownBody, doc.Metadata.Title,
		doc.Metadata.LinkCount, doc.Metadata.ImageCount, doc.Metadata.WordCount,
	)
	return err
}

// HasMarkdownDoc reports whether url already has a stored MarkdownDoc, for
// resumable dedup lookups against a prior run's database.
func (s *SQLiteSink) HasMarkdownDoc(url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM markdown_docs WHERE url = ?`, url).Scan(&count)
	return count > 0, err
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// ExportKeywordHitsXLSX writes every row of keyword_hits to an XLSX
// workbook, grounded on erndmrc-spider2's Exporter.exportXLSX
// (internal/report/export.go), reduced to this engine's three-column
// KeywordHit shape.
func ExportKeywordHitsXLSX(db *sql.DB, outputPath string) error {
	rows, err := db.Query(`SELECT url, keyword, context_text FROM keyword_hits ORDER BY url, keyword`)
	if err != nil {
		return fmt.Errorf("query keyword hits: %w", err)
	}
	defer rows.Close()

	f := excelize.NewFile()
	const sheet = "KeywordHits"
	f.SetSheetName(f.GetSheetName(0), sheet)

	headers := []string{"URL", "Keyword", "Context"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	rowIdx := 2
	for rows.Next() {
		var url, kw, context string
		if err := rows.Scan(&url, &kw, &context); err != nil {
			return fmt.Errorf("scan keyword hit row: %w", err)
		}
		values := []string{url, kw, context}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, rowIdx)
			f.SetCellValue(sheet, cell, v)
		}
		rowIdx++
	}

	if err := f.SaveAs(outputPath); err != nil {
		return fmt.Errorf("save xlsx: %w", err)
	}
	return nil
}
