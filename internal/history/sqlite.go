package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/docsage/backend/internal/storage/models"
	"github.com/docsage/backend/pkg/logger"
)

// Client persists completed query runs so past answers and their sources can
// be listed after the in-memory task cache has expired.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("History client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		task_id TEXT,
		question TEXT NOT NULL,
		date_range TEXT,
		answer TEXT,
		stopped INTEGER DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_client ON query_history(client_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS query_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		filename TEXT,
		original_filename TEXT,
		chunk_id INTEGER,
		distance REAL,
		relevant INTEGER DEFAULT 0,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_query ON query_sources(query_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("History schema initialized")
	return nil
}

func (c *Client) InsertQueryRecord(record *models.QueryRecord) error {
	query := `
		INSERT INTO query_history (id, client_id, task_id, question, date_range, answer, stopped, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stopped := 0
	if record.Stopped {
		stopped = 1
	}

	_, err := c.db.Exec(
		query,
		record.ID,
		record.ClientID,
		record.TaskID,
		record.Question,
		record.DateRange,
		record.Answer,
		stopped,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	logger.Info("Query recorded",
		zap.String("query_id", record.ID),
		zap.String("client_id", record.ClientID),
	)

	return nil
}

func (c *Client) InsertQuerySource(source *models.QuerySource) error {
	query := `
		INSERT INTO query_sources (query_id, filename, original_filename, chunk_id, distance, relevant)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	relevant := 0
	if source.Relevant {
		relevant = 1
	}

	_, err := c.db.Exec(
		query,
		source.QueryID,
		source.Filename,
		source.OriginalFilename,
		source.ChunkID,
		source.Distance,
		relevant,
	)

	if err != nil {
		return fmt.Errorf("failed to insert query source: %w", err)
	}

	return nil
}

func (c *Client) ListQueries(clientID string, limit int) ([]models.QueryRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, client_id, task_id, question, date_range, answer, stopped, latency_ms, created_at
		FROM query_history
		WHERE client_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		record, err := scanQueryRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	return records, rows.Err()
}

func (c *Client) GetQuery(id string) (*models.QueryRecord, []models.QuerySource, error) {
	query := `
		SELECT id, client_id, task_id, question, date_range, answer, stopped, latency_ms, created_at
		FROM query_history
		WHERE id = ?
	`

	row := c.db.QueryRow(query, id)
	record, err := scanQueryRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("query %s not found", id)
	}
	if err != nil {
		return nil, nil, err
	}

	sources, err := c.querySources(id)
	if err != nil {
		return nil, nil, err
	}

	return record, sources, nil
}

func (c *Client) DeleteQuery(id string) error {
	result, err := c.db.Exec("DELETE FROM query_history WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete query record: %w", err)
	}

	affected, _ := result.RowsAffected()
	logger.Debug("Query record deleted", zap.String("query_id", id), zap.Int64("rows", affected))
	return nil
}

// FindInteraction reconstructs a verdict-only interaction from the persisted
// sources, for lookups after the in-memory task cache has expired. The judge
// messages themselves are not persisted.
func (c *Client) FindInteraction(taskID, filename string, chunkID int) (*models.Interaction, error) {
	query := `
		SELECT s.relevant
		FROM query_sources s
		JOIN query_history h ON h.id = s.query_id
		WHERE h.task_id = ? AND s.original_filename = ? AND s.chunk_id = ?
	`

	var relevant int
	err := c.db.QueryRow(query, taskID, filename, chunkID).Scan(&relevant)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("interaction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find interaction: %w", err)
	}

	return &models.Interaction{
		Filename:   filename,
		ChunkID:    chunkID,
		IsRelevant: relevant != 0,
	}, nil
}

func (c *Client) querySources(queryID string) ([]models.QuerySource, error) {
	query := `
		SELECT id, query_id, filename, original_filename, chunk_id, distance, relevant
		FROM query_sources
		WHERE query_id = ?
		ORDER BY distance ASC
	`

	rows, err := c.db.Query(query, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get query sources: %w", err)
	}
	defer rows.Close()

	var sources []models.QuerySource
	for rows.Next() {
		var s models.QuerySource
		var relevant int

		if err := rows.Scan(&s.ID, &s.QueryID, &s.Filename, &s.OriginalFilename, &s.ChunkID, &s.Distance, &relevant); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		s.Relevant = relevant != 0

		sources = append(sources, s)
	}

	return sources, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueryRecord(row rowScanner) (*models.QueryRecord, error) {
	var r models.QueryRecord
	var stopped int
	var createdAt int64

	err := row.Scan(&r.ID, &r.ClientID, &r.TaskID, &r.Question, &r.DateRange, &r.Answer, &stopped, &r.LatencyMS, &createdAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	r.Stopped = stopped != 0
	r.CreatedAt = time.Unix(createdAt, 0)

	return &r, nil
}
