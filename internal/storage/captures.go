package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// --- Captures ---

// CreateInProgressCapture records a capture that has no result yet.
func (s *Store) CreateInProgressCapture(externalID uuid.UUID, model string, origin Origin, createdAt time.Time) (int64, error) {
	return s.CreateCaptureWithFiles(externalID, model, origin, createdAt, nil)
}

// CreateCaptureWithFiles records an in-progress capture and links fileIDs to it
// in one transaction, so a request is never accepted with half its inputs.
func (s *Store) CreateCaptureWithFiles(externalID uuid.UUID, model string, origin Origin, createdAt time.Time, fileIDs []int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, unavailable("beginning capture transaction", err)
	}
	defer tx.Rollback()

	id, err := insertCapture(tx, externalID, model, origin, createdAt)
	if err != nil {
		return 0, err
	}
	if err := linkFiles(tx, id, fileIDs, s.now()); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("committing capture", err)
	}
	return id, nil
}

// CreateRequestCapture records the original files of a request, an
// in-progress capture and the links between them in one transaction. On
// error nothing is written.
func (s *Store) CreateRequestCapture(externalID uuid.UUID, model string, origin Origin, createdAt time.Time, originals []string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, unavailable("beginning capture transaction", err)
	}
	defer tx.Rollback()

	fileIDs := make([]int64, 0, len(originals))
	for _, name := range originals {
		fid, err := insertFile(tx, name, KindOriginal, createdAt)
		if err != nil {
			return 0, err
		}
		fileIDs = append(fileIDs, fid)
	}
	id, err := insertCapture(tx, externalID, model, origin, createdAt)
	if err != nil {
		return 0, err
	}
	if err := linkFiles(tx, id, fileIDs, s.now()); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("committing capture", err)
	}
	return id, nil
}

// CreateCompletedCapture records a capture together with its result and files.
// The capture loop uses it since its captures are only written once processed.
func (s *Store) CreateCompletedCapture(externalID uuid.UUID, model string, origin Origin, createdAt time.Time, payload Payload, completedAt time.Time, fileIDs []int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, unavailable("beginning capture transaction", err)
	}
	defer tx.Rollback()

	id, err := insertCapture(tx, externalID, model, origin, createdAt)
	if err != nil {
		return 0, err
	}
	if err := linkFiles(tx, id, fileIDs, s.now()); err != nil {
		return 0, err
	}
	if _, err := insertResult(tx, id, origin, payload, completedAt); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("committing capture", err)
	}
	return id, nil
}

// AttachFiles links files to a capture. Linking a pair twice is a no-op.
func (s *Store) AttachFiles(captureID int64, fileIDs ...int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return unavailable("beginning attach transaction", err)
	}
	defer tx.Rollback()

	if _, err := captureOrigin(tx, captureID); err != nil {
		return err
	}
	if err := linkFiles(tx, captureID, fileIDs, s.now()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing attach", err)
	}
	return nil
}

// CompleteCapture attaches the result to a capture, optionally linking output
// files (annotated images) in the same transaction. A capture completes once:
// a second call fails with ErrAlreadyCompleted and leaves the first result intact.
func (s *Store) CompleteCapture(captureID int64, payload Payload, completedAt time.Time, fileIDs ...int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, unavailable("beginning completion transaction", err)
	}
	defer tx.Rollback()

	origin, err := captureOrigin(tx, captureID)
	if err != nil {
		return 0, err
	}

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM capture_results WHERE capture_id = ?`, captureID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("checking result for capture %d: %w", captureID, err)
	}
	if exists > 0 {
		return 0, fmt.Errorf("capture %d: %w", captureID, ErrAlreadyCompleted)
	}

	if err := linkFiles(tx, captureID, fileIDs, s.now()); err != nil {
		return 0, err
	}
	resultID, err := insertResult(tx, captureID, origin, payload, completedAt)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("committing completion", err)
	}
	return resultID, nil
}

const captureColumns = `c.id, c.external_id, c.model, c.origin, c.created_at, r.id, r.payload, r.completed_at`

// LatestCompletedCapture returns the most recent capture that has a result,
// ordered by created_at then id. It returns nil when there is none.
func (s *Store) LatestCompletedCapture(origins ...Origin) (*Capture, error) {
	captures, err := s.ListCompletedCaptures(1, origins...)
	if err != nil {
		return nil, err
	}
	if len(captures) == 0 {
		return nil, nil
	}
	return &captures[0], nil
}

// ListCompletedCaptures returns completed captures newest first.
func (s *Store) ListCompletedCaptures(limit int, origins ...Origin) ([]Capture, error) {
	query := `SELECT ` + captureColumns + `
		FROM captures c JOIN capture_results r ON r.capture_id = c.id`
	args := make([]any, 0, len(origins)+1)
	if len(origins) > 0 {
		query += ` WHERE c.origin IN (?` + strings.Repeat(",?", len(origins)-1) + `)`
		for _, o := range origins {
			args = append(args, string(o))
		}
	}
	query += ` ORDER BY c.created_at DESC, c.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing completed captures: %w", err)
	}
	defer rows.Close()

	var results []Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// GetCapture returns a capture by id whether or not it has completed.
func (s *Store) GetCapture(id int64) (Capture, error) {
	row := s.db.QueryRow(`SELECT `+captureColumns+`
		FROM captures c LEFT JOIN capture_results r ON r.capture_id = c.id
		WHERE c.id = ?`, id)
	c, err := scanCapture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Capture{}, ErrNotFound
	}
	return c, err
}

// GetCaptureByExternalID looks a capture up by its client-facing identifier.
func (s *Store) GetCaptureByExternalID(externalID uuid.UUID) (Capture, error) {
	row := s.db.QueryRow(`SELECT `+captureColumns+`
		FROM captures c LEFT JOIN capture_results r ON r.capture_id = c.id
		WHERE c.external_id = ?`, externalID.String())
	c, err := scanCapture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Capture{}, ErrNotFound
	}
	return c, err
}

// --- Files ---

// InsertFile records a stored artifact. The (filename, kind) pair is unique.
func (s *Store) InsertFile(filename string, kind FileKind, createdAt time.Time) (int64, error) {
	return insertFile(s.db, filename, kind, createdAt)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertFile(db execer, filename string, kind FileKind, createdAt time.Time) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("invalid file kind %q", kind)
	}
	res, err := db.Exec(`INSERT INTO files (filename, kind, created_at) VALUES (?, ?, ?)`,
		filename, string(kind), toMillis(createdAt))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("file %q (%s): %w", filename, kind, ErrDuplicateFile)
		}
		return 0, fmt.Errorf("inserting file: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetFile(id int64) (File, error) {
	var f File
	var kind string
	var createdAt int64
	err := s.db.QueryRow(`SELECT id, filename, kind, created_at FROM files WHERE id = ?`, id).
		Scan(&f.ID, &f.Filename, &kind, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, err
	}
	f.Kind = FileKind(kind)
	f.CreatedAt = fromMillis(createdAt)
	return f, nil
}

// CaptureFiles returns the files linked to a capture in link order.
func (s *Store) CaptureFiles(captureID int64) ([]File, error) {
	rows, err := s.db.Query(`
		SELECT f.id, f.filename, f.kind, f.created_at
		FROM capture_files cf JOIN files f ON f.id = cf.file_id
		WHERE cf.capture_id = ?
		ORDER BY cf.created_at ASC, cf.rowid ASC`, captureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []File
	for rows.Next() {
		var f File
		var kind string
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.Filename, &kind, &createdAt); err != nil {
			return nil, err
		}
		f.Kind = FileKind(kind)
		f.CreatedAt = fromMillis(createdAt)
		results = append(results, f)
	}
	return results, rows.Err()
}

// FileNameAt returns the filename of the index-th file of the given kind
// linked to a capture. ok is false when fewer than index+1 such files exist.
func (s *Store) FileNameAt(captureID int64, kind FileKind, index int) (name string, ok bool, err error) {
	if index < 0 {
		return "", false, nil
	}
	err = s.db.QueryRow(`
		SELECT f.filename
		FROM capture_files cf JOIN files f ON f.id = cf.file_id
		WHERE cf.capture_id = ? AND f.kind = ?
		ORDER BY cf.created_at ASC, cf.rowid ASC
		LIMIT 1 OFFSET ?`, captureID, string(kind), index).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up file %d of capture %d: %w", index, captureID, err)
	}
	return name, true, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapture(row rowScanner) (Capture, error) {
	var c Capture
	var externalID, origin string
	var createdAt int64
	var resultID, completedAt sql.NullInt64
	var payload sql.NullString
	if err := row.Scan(&c.ID, &externalID, &c.Model, &origin, &createdAt, &resultID, &payload, &completedAt); err != nil {
		return Capture{}, err
	}

	id, err := uuid.Parse(externalID)
	if err != nil {
		return Capture{}, fmt.Errorf("parsing external_id of capture %d: %w", c.ID, err)
	}
	c.ExternalID = id
	c.Origin = ParseOrigin(origin)
	c.CreatedAt = fromMillis(createdAt)

	if resultID.Valid {
		p, err := decodePayload(c.Origin, payload.String)
		if err != nil {
			return Capture{}, fmt.Errorf("capture %d: %w", c.ID, err)
		}
		c.Result = &CaptureResult{
			ID:          resultID.Int64,
			CaptureID:   c.ID,
			Payload:     p,
			CompletedAt: fromMillis(completedAt.Int64),
		}
	}
	return c, nil
}

func insertCapture(tx *sql.Tx, externalID uuid.UUID, model string, origin Origin, createdAt time.Time) (int64, error) {
	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM captures WHERE external_id = ?`, externalID.String()).Scan(&exists); err != nil {
		return 0, fmt.Errorf("checking external id: %w", err)
	}
	if exists > 0 {
		return 0, fmt.Errorf("capture %s: %w", externalID, ErrDuplicateExternalID)
	}

	res, err := tx.Exec(`INSERT INTO captures (external_id, model, origin, created_at) VALUES (?, ?, ?, ?)`,
		externalID.String(), model, string(origin), toMillis(createdAt))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("capture %s: %w", externalID, ErrDuplicateExternalID)
		}
		return 0, fmt.Errorf("inserting capture: %w", err)
	}
	return res.LastInsertId()
}

func insertResult(tx *sql.Tx, captureID int64, origin Origin, payload Payload, completedAt time.Time) (int64, error) {
	if !payloadFits(origin, payload) {
		return 0, fmt.Errorf("capture %d (%s) with %T: %w", captureID, origin.Title(), payload, ErrPayloadMismatch)
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(`INSERT INTO capture_results (capture_id, payload, completed_at) VALUES (?, ?, ?)`,
		captureID, encoded, toMillis(completedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("capture %d: %w", captureID, ErrAlreadyCompleted)
		}
		return 0, fmt.Errorf("inserting result: %w", err)
	}
	return res.LastInsertId()
}

func captureOrigin(tx *sql.Tx, captureID int64) (Origin, error) {
	var origin string
	err := tx.QueryRow(`SELECT origin FROM captures WHERE id = ?`, captureID).Scan(&origin)
	if errors.Is(err, sql.ErrNoRows) {
		return OriginUnknown, fmt.Errorf("capture %d: %w", captureID, ErrUnknownCapture)
	}
	if err != nil {
		return OriginUnknown, fmt.Errorf("loading capture %d: %w", captureID, err)
	}
	return ParseOrigin(origin), nil
}

func linkFiles(tx *sql.Tx, captureID int64, fileIDs []int64, at time.Time) error {
	for _, fileID := range fileIDs {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM files WHERE id = ?`, fileID).Scan(&exists); err != nil {
			return fmt.Errorf("checking file %d: %w", fileID, err)
		}
		if exists == 0 {
			return fmt.Errorf("file %d: %w", fileID, ErrNotFound)
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO capture_files (capture_id, file_id, created_at) VALUES (?, ?, ?)`,
			captureID, fileID, toMillis(at)); err != nil {
			return fmt.Errorf("linking file %d to capture %d: %w", fileID, captureID, err)
		}
	}
	return nil
}
