package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver (no CGO)
)

// Batch-size constants driven by the backend's bind-variable limit (SQLite's
// default SQLITE_MAX_VARIABLE_NUMBER is far above these, but these are the
// reference-design bounds from the relational store's column counts).
// These are properties of the store, not of callers (spec 9).
const (
	chunksBatchSize          = 150 // 6 columns/row
	documentVectorsBatchSize = 199 // 5 columns/row
	idfScoresBatchSize       = 300 // 3 columns/row
	deleteBatchSize          = 500 // keys per IN-list
)

// RelationalFile is a tracked source file row.
type RelationalFile struct {
	Path        string // relative to codebase root, forward-slash normalized
	ContentHash string // 32-bit-equivalent content hash, stored as hex
	Size        int64
	ModTimeMS   int64 // ms since epoch
	Language    string
	IndexedAtMS int64
}

// RelationalChunk is a chunk row plus its raw term-frequency table, as
// produced by the chunker+tokenizer before storage.
type RelationalChunk struct {
	ID         int64 // assigned by the store on insert; 0 before insert
	FilePath   string
	Content    string
	Kind       string
	StartLine  int
	EndLine    int
	Metadata   map[string]string
	TokenCount int
	Magnitude  float64
	// RawTermFreq is populated by the caller (tokenizer output, C1) before
	// storeManyChunkVectors is called; it is not persisted on the chunk row
	// itself but drives the document_vectors rows.
	RawTermFreq map[string]int
}

// MatchedTerm is a per-candidate, per-query-term score component.
type MatchedTerm struct {
	TFIDF   float64
	RawFreq int
}

// Candidate is a chunk returned by searchByTerms because it contains at
// least one query term.
type Candidate struct {
	ChunkID      int64
	FilePath     string
	Content      string
	Kind         string
	StartLine    int
	EndLine      int
	Metadata     map[string]string
	TokenCount   int
	Magnitude    float64
	MatchedTerms map[string]MatchedTerm // only query terms present in this chunk
}

// RelationalStore is the C3 Relational Store contract: durable tables for
// files, chunks, per-(chunk,term) TF-IDF rows, global IDF rows, and
// key/value metadata.
type RelationalStore interface {
	StoreFiles(ctx context.Context, files []*RelationalFile) error
	// StoreManyChunks deletes all existing chunks for each file in
	// fileChunks and inserts the new set atomically per file, returning
	// assigned chunk IDs in input order.
	StoreManyChunks(ctx context.Context, fileChunks map[string][]*RelationalChunk) (map[string][]int64, error)
	StoreManyChunkVectors(ctx context.Context, chunks []*RelationalChunk) error
	RebuildIDFScoresFromVectors(ctx context.Context) error
	RecalculateTFIDFScores(ctx context.Context) error
	UpdateChunkMagnitudes(ctx context.Context) error
	UpdateAverageDocLength(ctx context.Context) error

	SearchByTerms(ctx context.Context, terms []string, limit int) ([]*Candidate, error)
	GetTermsForFiles(ctx context.Context, paths []string) ([]string, error)
	DeleteFiles(ctx context.Context, paths []string) error

	GetFileByPath(ctx context.Context, path string) (*RelationalFile, error)
	ListFiles(ctx context.Context) ([]*RelationalFile, error)

	GetIDF(ctx context.Context, term string) (idf float64, ok bool, err error)
	GetAvgDocLength(ctx context.Context) (float64, error)
	ChunkCount(ctx context.Context) (int, error)

	// GetChunkByLocation resolves a single chunk by its file path and line
	// range, with no matched terms populated. Used to hydrate ANN hits that
	// fell outside the lexical candidate set.
	GetChunkByLocation(ctx context.Context, path string, startLine, endLine int) (*Candidate, error)

	Close() error
}

// RelationalSQLiteStore implements RelationalStore on modernc.org/sqlite, in WAL
// mode, with a single-writer connection pool. Grounded on
// sqlite_bm25.go's connection/PRAGMA/integrity-validation idioms, applied
// to the files/chunks/document_vectors/idf_scores/index_metadata schema of
// spec section 3 instead of an FTS5 virtual table.
type RelationalSQLiteStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ RelationalStore = (*RelationalSQLiteStore)(nil)

// validateRelationalIntegrity mirrors sqlite_bm25.go's validateSQLiteIntegrity:
// a corrupt store (StoreFatal per spec 7) is cleared rather than served,
// so the next open starts from a clean, rebuildable state.
func validateRelationalIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='files'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("table 'files' missing")
	}

	return nil
}

// NewRelationalSQLiteStore opens (creating if absent) the relational store at path.
// An empty path opens an in-memory store, useful for tests.
func NewRelationalSQLiteStore(path string) (*RelationalSQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateRelationalIntegrity(path); validErr != nil {
			slog.Warn("relational_store_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("store corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("relational_store_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, please reindex"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-65536",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	s := &RelationalSQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

func (s *RelationalSQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			mtime_ms INTEGER NOT NULL,
			language TEXT,
			indexed_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			metadata TEXT,
			token_count INTEGER NOT NULL DEFAULT 0,
			magnitude REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_file_id ON chunks(file_id)`,
		`CREATE TABLE IF NOT EXISTS document_vectors (
			chunk_id INTEGER NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
			term TEXT NOT NULL,
			tf REAL NOT NULL,
			tfidf REAL NOT NULL DEFAULT 0,
			raw_freq INTEGER NOT NULL,
			PRIMARY KEY (chunk_id, term)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_document_vectors_chunk_id ON document_vectors(chunk_id)`,
		`CREATE INDEX IF NOT EXISTS idx_document_vectors_term ON document_vectors(term)`,
		`CREATE TABLE IF NOT EXISTS idf_scores (
			term TEXT PRIMARY KEY,
			idf REAL NOT NULL,
			df INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idf_scores_term ON idf_scores(term)`,
		`CREATE TABLE IF NOT EXISTS index_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// StoreFiles upserts file rows by path. Each batch is atomic.
func (s *RelationalSQLiteStore) StoreFiles(ctx context.Context, files []*RelationalFile) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (path, content_hash, size, mtime_ms, language, indexed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash=excluded.content_hash,
			size=excluded.size,
			mtime_ms=excluded.mtime_ms,
			language=excluded.language,
			indexed_at_ms=excluded.indexed_at_ms`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.Path, f.ContentHash, f.Size, f.ModTimeMS, f.Language, f.IndexedAtMS); err != nil {
			return fmt.Errorf("upsert file %s: %w", f.Path, err)
		}
	}

	return tx.Commit()
}

func (s *RelationalSQLiteStore) fileIDByPath(ctx context.Context, tx *sql.Tx, path string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM files WHERE path = ?`, path).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup file id for %s: %w", path, err)
	}
	return id, nil
}

// StoreManyChunks implements the delete-then-insert-per-file semantics of
// spec 4.3/3: any change to a file replaces its entire chunk set atomically.
func (s *RelationalSQLiteStore) StoreManyChunks(ctx context.Context, fileChunks map[string][]*RelationalChunk) (map[string][]int64, error) {
	if len(fileChunks) == 0 {
		return map[string][]int64{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string][]int64, len(fileChunks))

	// Deterministic iteration order for reproducible writes.
	paths := make([]string, 0, len(fileChunks))
	for p := range fileChunks {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		chunks := fileChunks[path]

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin tx: %w", err)
		}

		fileID, err := s.fileIDByPath(ctx, tx, path)
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("delete existing chunks for %s: %w", path, err)
		}

		ids := make([]int64, 0, len(chunks))
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (file_id, content, kind, start_line, end_line, metadata, token_count, magnitude)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0)`)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("prepare insert chunk: %w", err)
		}

		for _, c := range chunks {
			meta := encodeMetadata(c.Metadata)
			res, err := stmt.ExecContext(ctx, fileID, c.Content, c.Kind, c.StartLine, c.EndLine, meta)
			if err != nil {
				stmt.Close()
				tx.Rollback()
				return nil, fmt.Errorf("insert chunk for %s: %w", path, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				stmt.Close()
				tx.Rollback()
				return nil, fmt.Errorf("last insert id: %w", err)
			}
			c.ID = id
			ids = append(ids, id)
		}
		stmt.Close()

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit chunks for %s: %w", path, err)
		}

		result[path] = ids
	}

	return result, nil
}

// StoreManyChunkVectors deletes existing vectors for the given chunk ids
// (batched), updates each chunk's tokenCount, and inserts new (chunk,term)
// rows with tfidf=0 (finalized later by RecalculateTFIDFScores).
func (s *RelationalSQLiteStore) StoreManyChunkVectors(ctx context.Context, chunks []*RelationalChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		if c.ID != 0 {
			ids = append(ids, c.ID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := deleteByIDBatched(ctx, tx, "document_vectors", "chunk_id", ids, documentVectorsBatchSize); err != nil {
		return fmt.Errorf("delete existing vectors: %w", err)
	}

	updateStmt, err := tx.PrepareContext(ctx, `UPDATE chunks SET token_count = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare token_count update: %w", err)
	}
	defer updateStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_vectors (chunk_id, term, tf, tfidf, raw_freq)
		VALUES (?, ?, ?, 0, ?)`)
	if err != nil {
		return fmt.Errorf("prepare vector insert: %w", err)
	}
	defer insertStmt.Close()

	for _, c := range chunks {
		if c.ID == 0 {
			continue
		}

		total := 0
		for _, n := range c.RawTermFreq {
			total += n
		}

		if _, err := updateStmt.ExecContext(ctx, total, c.ID); err != nil {
			return fmt.Errorf("update token_count for chunk %d: %w", c.ID, err)
		}

		for term, raw := range c.RawTermFreq {
			tf := 0.0
			if total > 0 {
				tf = float64(raw) / float64(total)
			}
			if _, err := insertStmt.ExecContext(ctx, c.ID, term, tf, raw); err != nil {
				return fmt.Errorf("insert vector (%d,%s): %w", c.ID, term, err)
			}
		}
	}

	return tx.Commit()
}

// RebuildIDFScoresFromVectors clears idf_scores then recomputes
// idf = ln((N+1)/(df+1)) + 1 with N = total chunk count, df = COUNT(DISTINCT
// chunk_id) per term over document_vectors.
func (s *RelationalSQLiteStore) RebuildIDFScoresFromVectors(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM idf_scores`); err != nil {
		return fmt.Errorf("clear idf_scores: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT term, COUNT(DISTINCT chunk_id) AS df
		FROM document_vectors
		GROUP BY term`)
	if err != nil {
		return fmt.Errorf("query term df: %w", err)
	}

	type termDF struct {
		term string
		df   int
	}
	var batch []termDF
	insertStmt, err := tx.PrepareContext(ctx, `INSERT INTO idf_scores (term, idf, df) VALUES (?, ?, ?)`)
	if err != nil {
		rows.Close()
		return fmt.Errorf("prepare idf insert: %w", err)
	}
	defer insertStmt.Close()

	flush := func() error {
		for _, t := range batch {
			idf := math.Log(float64(n+1)/float64(t.df+1)) + 1
			if _, err := insertStmt.ExecContext(ctx, t.term, idf, t.df); err != nil {
				return fmt.Errorf("insert idf for %s: %w", t.term, err)
			}
		}
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		var t termDF
		if err := rows.Scan(&t.term, &t.df); err != nil {
			rows.Close()
			return fmt.Errorf("scan term df: %w", err)
		}
		batch = append(batch, t)
		if len(batch) >= idfScoresBatchSize {
			if err := flush(); err != nil {
				rows.Close()
				return err
			}
		}
	}
	rows.Close()
	if err := flush(); err != nil {
		return err
	}

	return tx.Commit()
}

// RecalculateTFIDFScores sets tfidf = tf * COALESCE(idf_scores.idf, 0) for
// every document_vectors row, joined by term.
func (s *RelationalSQLiteStore) RecalculateTFIDFScores(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE document_vectors
		SET tfidf = tf * COALESCE(
			(SELECT idf FROM idf_scores WHERE idf_scores.term = document_vectors.term), 0)`)
	if err != nil {
		return fmt.Errorf("recalculate tfidf: %w", err)
	}
	return nil
}

// UpdateChunkMagnitudes sets magnitude = sqrt(sum(tfidf^2)) per chunk,
// coalesced to 0 for chunks with no vectors.
func (s *RelationalSQLiteStore) UpdateChunkMagnitudes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks
		SET magnitude = COALESCE(
			(SELECT SQRT(SUM(tfidf * tfidf)) FROM document_vectors WHERE document_vectors.chunk_id = chunks.id),
			0)`)
	if err != nil {
		return fmt.Errorf("update magnitudes: %w", err)
	}
	return nil
}

// UpdateAverageDocLength stores avg(COALESCE(tokenCount,0)) over chunks
// under index_metadata["avgDocLength"].
func (s *RelationalSQLiteStore) UpdateAverageDocLength(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(COALESCE(token_count, 0)) FROM chunks`).Scan(&avg); err != nil {
		return fmt.Errorf("compute avg doc length: %w", err)
	}
	value := 0.0
	if avg.Valid {
		value = avg.Float64
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_metadata (key, value) VALUES ('avgDocLength', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%g", value))
	if err != nil {
		return fmt.Errorf("store avg doc length: %w", err)
	}
	return nil
}

// SearchByTerms returns candidate chunks containing any of the given terms,
// joined to their owning file, with pre-computed magnitude and tokenCount,
// and a per-candidate matchedTerms map populated only for the query terms
// actually present. Ordered by distinct-term match count descending,
// capped at 2*limit.
func (s *RelationalSQLiteStore) SearchByTerms(ctx context.Context, terms []string, limit int) ([]*Candidate, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	capLimit := 2 * limit
	if capLimit <= 0 {
		capLimit = 20
	}

	placeholders := make([]string, len(terms))
	args := make([]interface{}, len(terms))
	for i, t := range terms {
		placeholders[i] = "?"
		args[i] = t
	}

	query := fmt.Sprintf(`
		SELECT c.id, f.path, c.content, c.kind, c.start_line, c.end_line, c.metadata,
		       c.token_count, c.magnitude,
		       dv.term, dv.tfidf, dv.raw_freq
		FROM document_vectors dv
		JOIN chunks c ON c.id = dv.chunk_id
		JOIN files f ON f.id = c.file_id
		WHERE dv.term IN (%s)
		ORDER BY c.id`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search by terms: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*Candidate)
	order := make([]int64, 0)

	for rows.Next() {
		var (
			id, startLine, endLine, tokenCount, rawFreq int64
			path, content, kind                         string
			metaJSON                                    sql.NullString
			magnitude, tfidf                             float64
			term                                         string
		)
		if err := rows.Scan(&id, &path, &content, &kind, &startLine, &endLine, &metaJSON,
			&tokenCount, &magnitude, &term, &tfidf, &rawFreq); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}

		c, ok := byID[id]
		if !ok {
			c = &Candidate{
				ChunkID:      id,
				FilePath:     path,
				Content:      content,
				Kind:         kind,
				StartLine:    int(startLine),
				EndLine:      int(endLine),
				Metadata:     decodeMetadata(metaJSON.String),
				TokenCount:   int(tokenCount),
				Magnitude:    magnitude,
				MatchedTerms: make(map[string]MatchedTerm),
			}
			byID[id] = c
			order = append(order, id)
		}
		c.MatchedTerms[term] = MatchedTerm{TFIDF: tfidf, RawFreq: int(rawFreq)}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	candidates := make([]*Candidate, 0, len(order))
	for _, id := range order {
		candidates = append(candidates, byID[id])
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].MatchedTerms) > len(candidates[j].MatchedTerms)
	})

	if len(candidates) > capLimit {
		candidates = candidates[:capLimit]
	}

	return candidates, nil
}

// GetChunkByLocation fetches one chunk row by file path and line range.
// Returns (nil, nil) if no such chunk exists.
func (s *RelationalSQLiteStore) GetChunkByLocation(ctx context.Context, path string, startLine, endLine int) (*Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.content, c.kind, c.token_count, c.magnitude, c.metadata
		FROM chunks c
		JOIN files f ON f.id = c.file_id
		WHERE f.path = ? AND c.start_line = ? AND c.end_line = ?`, path, startLine, endLine)

	var (
		id, tokenCount    int64
		content, kind     string
		magnitude         float64
		metaJSON          sql.NullString
	)
	if err := row.Scan(&id, &content, &kind, &tokenCount, &magnitude, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get chunk by location: %w", err)
	}

	return &Candidate{
		ChunkID:      id,
		FilePath:     path,
		Content:      content,
		Kind:         kind,
		StartLine:    startLine,
		EndLine:      endLine,
		Metadata:     decodeMetadata(metaJSON.String),
		TokenCount:   int(tokenCount),
		Magnitude:    magnitude,
		MatchedTerms: make(map[string]MatchedTerm),
	}, nil
}

// GetTermsForFiles returns the set of terms appearing in chunks of the
// given files.
func (s *RelationalSQLiteStore) GetTermsForFiles(ctx context.Context, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(paths))
	args := make([]interface{}, len(paths))
	for i, p := range paths {
		placeholders[i] = "?"
		args[i] = p
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT dv.term
		FROM document_vectors dv
		JOIN chunks c ON c.id = dv.chunk_id
		JOIN files f ON f.id = c.file_id
		WHERE f.path IN (%s)`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get terms for files: %w", err)
	}
	defer rows.Close()

	var terms []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan term: %w", err)
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

// DeleteFiles batch-deletes files (and thus, via cascade, their chunks and
// vectors) by path.
func (s *RelationalSQLiteStore) DeleteFiles(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for i := 0; i < len(paths); i += deleteBatchSize {
		end := i + deleteBatchSize
		if end > len(paths) {
			end = len(paths)
		}
		batch := paths[i:end]

		placeholders := make([]string, len(batch))
		args := make([]interface{}, len(batch))
		for j, p := range batch {
			placeholders[j] = "?"
			args[j] = p
		}

		stmt := fmt.Sprintf(`DELETE FROM files WHERE path IN (%s)`, strings.Join(placeholders, ","))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("delete files batch: %w", err)
		}
	}

	return tx.Commit()
}

// GetFileByPath returns the stored file row, or nil if absent.
func (s *RelationalSQLiteStore) GetFileByPath(ctx context.Context, path string) (*RelationalFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f RelationalFile
	f.Path = path
	var lang sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT content_hash, size, mtime_ms, language, indexed_at_ms
		FROM files WHERE path = ?`, path).Scan(&f.ContentHash, &f.Size, &f.ModTimeMS, &lang, &f.IndexedAtMS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file by path: %w", err)
	}
	f.Language = lang.String
	return &f, nil
}

// ListFiles returns every stored file row, used by the diff engine (C5) to
// build the "stored metadata" side of a diff.
func (s *RelationalSQLiteStore) ListFiles(ctx context.Context) ([]*RelationalFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT path, content_hash, size, mtime_ms, language, indexed_at_ms FROM files`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []*RelationalFile
	for rows.Next() {
		var f RelationalFile
		var lang sql.NullString
		if err := rows.Scan(&f.Path, &f.ContentHash, &f.Size, &f.ModTimeMS, &lang, &f.IndexedAtMS); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.Language = lang.String
		files = append(files, &f)
	}
	return files, rows.Err()
}

// GetIDF returns the stored idf for a term, or ok=false if the term has no
// rows (treated as idf=0 by callers, per spec 3).
func (s *RelationalSQLiteStore) GetIDF(ctx context.Context, term string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idf float64
	err := s.db.QueryRowContext(ctx, `SELECT idf FROM idf_scores WHERE term = ?`, term).Scan(&idf)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get idf: %w", err)
	}
	return idf, true, nil
}

// GetAvgDocLength reads index_metadata["avgDocLength"], defaulting to 1 if
// absent (consistent with the query engine's avgdl floor).
func (s *RelationalSQLiteStore) GetAvgDocLength(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM index_metadata WHERE key = 'avgDocLength'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get avg doc length: %w", err)
	}
	var v float64
	if _, err := fmt.Sscanf(raw, "%g", &v); err != nil {
		return 1, nil
	}
	return v, nil
}

// ChunkCount returns the total chunk count N used by IDF smoothing.
func (s *RelationalSQLiteStore) ChunkCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Close releases the underlying connection pool.
func (s *RelationalSQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// deleteByIDBatched deletes rows from table where column is in ids,
// respecting the deletion bind-variable cap.
func deleteByIDBatched(ctx context.Context, tx *sql.Tx, table, column string, ids []int64, _ int) error {
	if len(ids) == 0 {
		return nil
	}
	for i := 0; i < len(ids); i += deleteBatchSize {
		end := i + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]

		placeholders := make([]string, len(batch))
		args := make([]interface{}, len(batch))
		for j, id := range batch {
			placeholders[j] = "?"
			args[j] = id
		}

		stmt := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, table, column, strings.Join(placeholders, ","))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("delete batch from %s: %w", table, err)
		}
	}
	return nil
}

// encodeMetadata/decodeMetadata store the free-form chunk metadata map as a
// small "k=v;k2=v2" string: spec's metadata dictionary has no schema, and
// a minimal encoding avoids pulling in a JSON dependency for a handful of
// short string pairs (fallback=true, symbol name, etc.).
func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strings.ReplaceAll(m[k], ";", "\\;"))
	}
	return strings.Join(parts, ";")
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	m := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		m[kv[0]] = strings.ReplaceAll(kv[1], "\\;", ";")
	}
	return m
}
