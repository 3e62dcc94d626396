package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/untoldecay/engram/internal/enerr"
	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/storage"
)

const snippetLimit = 160

var slugCleaner = regexp.MustCompile(`[^a-z0-9_/-]+`)

// pathSegmentFromTitle turns a human title into a stable path segment.
func pathSegmentFromTitle(title string) string {
	segment := strings.ToLower(strings.TrimSpace(title))
	segment = strings.ReplaceAll(segment, " ", "-")
	segment = slugCleaner.ReplaceAllString(segment, "")
	segment = strings.Trim(segment, "-/")
	return segment
}

// CreateMemory inserts a new memory and registers its canonical path.
func (s *SQLiteStore) CreateMemory(ctx context.Context, params storage.CreateMemoryParams) (*storage.CreateMemoryResult, error) {
	if strings.TrimSpace(params.Content) == "" {
		return nil, fmt.Errorf("%w: content must not be empty", enerr.ErrValidation)
	}
	domain := strings.TrimSpace(params.Domain)
	if domain == "" {
		return nil, fmt.Errorf("%w: domain must not be empty", enerr.ErrValidation)
	}
	segment := pathSegmentFromTitle(params.Title)
	if segment == "" {
		return nil, fmt.Errorf("%w: title produced an empty path segment", enerr.ErrValidation)
	}
	priority := params.Priority
	if priority == 0 {
		priority = 3
	}
	if priority < 1 || priority > 5 {
		return nil, fmt.Errorf("%w: priority must be between 1 and 5, got %d", enerr.ErrValidation, params.Priority)
	}

	path := segment
	if parent := memory.NormalizePath(params.ParentPath); parent != "" {
		path = parent + "/" + segment
	}

	var result *storage.CreateMemoryResult
	err := s.runInTransaction(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT memory_id FROM paths WHERE domain = ? AND path = ?`, domain, path).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: path %s already exists", enerr.ErrConflict, memory.MakeURI(domain, path))
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO memories (content, priority, disclosure, created_at, vitality_score)
			VALUES (?, ?, ?, ?, 1.0)`,
			params.Content, priority, nullableString(params.Disclosure), formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to insert memory: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO paths (domain, path, memory_id, priority) VALUES (?, ?, ?, ?)`,
			domain, path, id, priority); err != nil {
			return fmt.Errorf("failed to insert path: %w", err)
		}

		result = &storage.CreateMemoryResult{
			ID:           id,
			URI:          memory.MakeURI(domain, path),
			Path:         path,
			Domain:       domain,
			IndexTargets: []int64{id},
		}
		return nil
	})
	return result, err
}

// GetMemoryByPath resolves a path to its current memory.
func (s *SQLiteStore) GetMemoryByPath(ctx context.Context, path, domain string) (*memory.Memory, error) {
	path = memory.NormalizePath(path)
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT memory_id FROM paths WHERE domain = ? AND path = ?`, domain, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", enerr.ErrNotFound, memory.MakeURI(domain, path))
	}
	if err != nil {
		return nil, err
	}
	return s.GetMemoryByID(ctx, id)
}

// GetMemoryByID loads a memory row by id.
func (s *SQLiteStore) GetMemoryByID(ctx context.Context, id int64) (*memory.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, priority, disclosure, deprecated, migrated_to,
		       created_at, vitality_score, last_accessed_at, access_count
		FROM memories WHERE id = ?`, id)
	mem, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory %d", enerr.ErrNotFound, id)
	}
	return mem, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*memory.Memory, error) {
	var m memory.Memory
	var disclosure sql.NullString
	var migratedTo sql.NullInt64
	var createdAt string
	var lastAccessed sql.NullString
	if err := row.Scan(&m.ID, &m.Content, &m.Priority, &disclosure, &m.Deprecated, &migratedTo,
		&createdAt, &m.VitalityScore, &lastAccessed, &m.AccessCount); err != nil {
		return nil, err
	}
	if disclosure.Valid {
		m.Disclosure = disclosure.String
	}
	if migratedTo.Valid {
		m.MigratedTo = &migratedTo.Int64
	}
	if t, err := parseTime(createdAt); err == nil {
		m.CreatedAt = t
	}
	m.LastAccessedAt = parseNullableTime(lastAccessed)
	return &m, nil
}

// GetChildren lists direct child paths one level below the given memory's
// paths in a domain. A nil memoryID lists the domain roots.
func (s *SQLiteStore) GetChildren(ctx context.Context, memoryID *int64, domain string) ([]memory.ChildPreview, error) {
	parents := []string{""}
	if memoryID != nil {
		paths, err := s.GetAliases(ctx, *memoryID)
		if err != nil {
			return nil, err
		}
		parents = parents[:0]
		for _, p := range paths {
			if p.Domain == domain {
				parents = append(parents, p.Path)
			}
		}
		if len(parents) == 0 {
			return nil, nil
		}
	}

	// The gist lookups run after each cursor is drained; a nested query
	// inside the rows loop would starve on the single-connection pool.
	seen := make(map[string]bool)
	var children []memory.ChildPreview
	var childMemoryIDs []int64
	for _, parent := range parents {
		prefix := ""
		if parent != "" {
			prefix = parent + "/"
		}
		err := func() error {
			rows, err := s.db.QueryContext(ctx, `
				SELECT p.domain, p.path, p.priority, m.disclosure, m.content, m.id
				FROM paths p JOIN memories m ON m.id = p.memory_id
				WHERE p.domain = ?
				  AND p.path LIKE ? ESCAPE '\'
				  AND instr(substr(p.path, ?), '/') = 0
				ORDER BY p.path`,
				domain, escapeLike(prefix)+"%", len(prefix)+1)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var child memory.ChildPreview
				var disclosure sql.NullString
				var content string
				var memID int64
				if err := rows.Scan(&child.Domain, &child.Path, &child.Priority, &disclosure, &content, &memID); err != nil {
					return err
				}
				if seen[child.Domain+"://"+child.Path] {
					continue
				}
				seen[child.Domain+"://"+child.Path] = true
				if disclosure.Valid {
					child.Disclosure = disclosure.String
				}
				child.ContentSnippet = memory.Snippet(content, snippetLimit)
				children = append(children, child)
				childMemoryIDs = append(childMemoryIDs, memID)
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, err
		}
	}

	for i := range children {
		if gist, err := s.GetLatestMemoryGist(ctx, childMemoryIDs[i]); err == nil && gist != nil {
			children[i].GistText = gist.GistText
			children[i].GistMethod = gist.GistMethod
			quality := gist.QualityScore
			children[i].GistQuality = &quality
			children[i].GistSourceHash = gist.SourceHash
		}
	}

	sort.Slice(children, func(i, j int) bool { return children[i].Path < children[j].Path })
	return children, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// GetAliases lists every path addressing a memory.
func (s *SQLiteStore) GetAliases(ctx context.Context, memoryID int64) ([]memory.Path, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, path, memory_id, priority FROM paths
		WHERE memory_id = ? ORDER BY domain, path`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []memory.Path
	for rows.Next() {
		var p memory.Path
		if err := rows.Scan(&p.Domain, &p.Path, &p.MemoryID, &p.Priority); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// AddPath registers a new alias pointing at the memory currently addressed
// by the target path.
func (s *SQLiteStore) AddPath(ctx context.Context, newPath, newDomain, targetPath, targetDomain string) error {
	newPath = memory.NormalizePath(newPath)
	targetPath = memory.NormalizePath(targetPath)
	if newPath == "" || newDomain == "" {
		return fmt.Errorf("%w: alias path and domain must not be empty", enerr.ErrValidation)
	}

	return s.runInTransaction(ctx, func(tx *sql.Tx) error {
		var targetID int64
		var targetPriority int
		err := tx.QueryRowContext(ctx,
			`SELECT memory_id, priority FROM paths WHERE domain = ? AND path = ?`,
			targetDomain, targetPath).Scan(&targetID, &targetPriority)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", enerr.ErrNotFound, memory.MakeURI(targetDomain, targetPath))
		}
		if err != nil {
			return err
		}

		var existing int64
		err = tx.QueryRowContext(ctx,
			`SELECT memory_id FROM paths WHERE domain = ? AND path = ?`, newDomain, newPath).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: path %s already exists", enerr.ErrConflict, memory.MakeURI(newDomain, newPath))
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO paths (domain, path, memory_id, priority) VALUES (?, ?, ?, ?)`,
			newDomain, newPath, targetID, targetPriority)
		return err
	})
}

// RemovePath deletes one alias. The memory itself survives even when this
// was its last path; it becomes an orphan eligible for review.
func (s *SQLiteStore) RemovePath(ctx context.Context, path, domain string) (*storage.RemovePathResult, error) {
	path = memory.NormalizePath(path)
	var result *storage.RemovePathResult
	err := s.runInTransaction(ctx, func(tx *sql.Tx) error {
		var memoryID int64
		err := tx.QueryRowContext(ctx,
			`SELECT memory_id FROM paths WHERE domain = ? AND path = ?`, domain, path).Scan(&memoryID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", enerr.ErrNotFound, memory.MakeURI(domain, path))
		}
		if err != nil {
			return err
		}

		var childCount int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM paths
			WHERE domain = ?
			  AND path LIKE ? ESCAPE '\'
			  AND instr(substr(path, ?), '/') = 0`,
			domain, escapeLike(path)+"/%", len(path)+2).Scan(&childCount); err != nil {
			return err
		}
		if childCount > 0 {
			return fmt.Errorf("%w: path %s has %d child path(s)", enerr.ErrConflict,
				memory.MakeURI(domain, path), childCount)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM paths WHERE domain = ? AND path = ?`, domain, path); err != nil {
			return err
		}

		var remaining int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM paths WHERE memory_id = ?`, memoryID).Scan(&remaining); err != nil {
			return err
		}

		result = &storage.RemovePathResult{Removed: true, Orphaned: remaining == 0, MemoryID: memoryID}
		return nil
	})
	return result, err
}

// UpdateMemory updates the memory behind a path. Changed content creates a
// new version: all paths repoint to the new memory and the old one is
// deprecated with migrated_to set. Metadata-only changes apply in place.
func (s *SQLiteStore) UpdateMemory(ctx context.Context, params storage.UpdateMemoryParams) (*storage.UpdateMemoryResult, error) {
	path := memory.NormalizePath(params.Path)
	if params.Priority != nil && (*params.Priority < 1 || *params.Priority > 5) {
		return nil, fmt.Errorf("%w: priority must be between 1 and 5, got %d", enerr.ErrValidation, *params.Priority)
	}
	if params.Content != nil && strings.TrimSpace(*params.Content) == "" {
		return nil, fmt.Errorf("%w: content must not be empty", enerr.ErrValidation)
	}

	var result *storage.UpdateMemoryResult
	err := s.runInTransaction(ctx, func(tx *sql.Tx) error {
		var oldID int64
		err := tx.QueryRowContext(ctx,
			`SELECT memory_id FROM paths WHERE domain = ? AND path = ?`, params.Domain, path).Scan(&oldID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", enerr.ErrNotFound, memory.MakeURI(params.Domain, path))
		}
		if err != nil {
			return err
		}

		old, err := scanMemory(tx.QueryRowContext(ctx, `
			SELECT id, content, priority, disclosure, deprecated, migrated_to,
			       created_at, vitality_score, last_accessed_at, access_count
			FROM memories WHERE id = ?`, oldID))
		if err != nil {
			return err
		}

		contentChanged := params.Content != nil &&
			memory.ContentHash(*params.Content) != memory.ContentHash(old.Content)

		if contentChanged {
			priority := old.Priority
			if params.Priority != nil {
				priority = *params.Priority
			}
			disclosure := old.Disclosure
			if params.Disclosure != nil {
				disclosure = *params.Disclosure
			}

			res, err := tx.ExecContext(ctx, `
				INSERT INTO memories (content, priority, disclosure, created_at, vitality_score)
				VALUES (?, ?, ?, ?, 1.0)`,
				*params.Content, priority, nullableString(disclosure), formatTime(time.Now()))
			if err != nil {
				return err
			}
			newID, err := res.LastInsertId()
			if err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE paths SET memory_id = ?, priority = ? WHERE memory_id = ?`,
				newID, priority, oldID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE memories SET deprecated = 1, migrated_to = ? WHERE id = ?`,
				newID, oldID); err != nil {
				return err
			}

			result = &storage.UpdateMemoryResult{
				OldMemoryID:  oldID,
				NewMemoryID:  newID,
				Versioned:    true,
				IndexTargets: []int64{newID},
			}
			return nil
		}

		if params.Priority != nil && *params.Priority != old.Priority {
			if _, err := tx.ExecContext(ctx,
				`UPDATE memories SET priority = ? WHERE id = ?`, *params.Priority, oldID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE paths SET priority = ? WHERE memory_id = ?`, *params.Priority, oldID); err != nil {
				return err
			}
		}
		if params.Disclosure != nil && *params.Disclosure != old.Disclosure {
			if _, err := tx.ExecContext(ctx,
				`UPDATE memories SET disclosure = ? WHERE id = ?`,
				nullableString(*params.Disclosure), oldID); err != nil {
				return err
			}
		}

		result = &storage.UpdateMemoryResult{OldMemoryID: oldID, NewMemoryID: oldID}
		return nil
	})
	return result, err
}

// PermanentlyDeleteMemory removes a memory row and, through cascades, its
// paths, gists, tags, and chunks. Other memories pointing at it through
// migrated_to are unlinked, not deleted.
func (s *SQLiteStore) PermanentlyDeleteMemory(ctx context.Context, memoryID int64, opts storage.DeleteMemoryOptions) error {
	return s.runInTransaction(ctx, func(tx *sql.Tx) error {
		mem, err := scanMemory(tx.QueryRowContext(ctx, `
			SELECT id, content, priority, disclosure, deprecated, migrated_to,
			       created_at, vitality_score, last_accessed_at, access_count
			FROM memories WHERE id = ?`, memoryID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: memory %d", enerr.ErrNotFound, memoryID)
		}
		if err != nil {
			return err
		}

		var paths []string
		rows, err := tx.QueryContext(ctx, `SELECT domain, path FROM paths WHERE memory_id = ?`, memoryID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var domain, path string
			if err := rows.Scan(&domain, &path); err != nil {
				rows.Close()
				return err
			}
			paths = append(paths, memory.MakeURI(domain, path))
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if opts.RequireOrphan && len(paths) > 0 {
			return fmt.Errorf("%w: memory %d still has %d path(s)", enerr.ErrConflict, memoryID, len(paths))
		}

		if opts.ExpectedStateHash != "" {
			current := memory.StateHash(mem.ID, mem.Deprecated, mem.MigratedTo,
				mem.VitalityScore, mem.AccessCount, mem.LastAccessedAt, paths)
			if current != opts.ExpectedStateHash {
				return fmt.Errorf("%w: memory %d changed since it was prepared", enerr.ErrStaleState, memoryID)
			}
		}

		// Keep version chains walkable: predecessors pointing here inherit
		// this memory's own successor.
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET migrated_to = ? WHERE migrated_to = ?`,
			nullableID(mem.MigratedTo), memoryID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, memoryID)
		return err
	})
}

// GetRecentMemories lists the newest addressable memories.
func (s *SQLiteStore) GetRecentMemories(ctx context.Context, limit int) ([]storage.RecentMemory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.priority, m.created_at,
		       (SELECT p.domain || '://' || p.path FROM paths p
		        WHERE p.memory_id = m.id ORDER BY p.domain, p.path LIMIT 1) AS uri
		FROM memories m
		WHERE m.deprecated = 0
		  AND EXISTS (SELECT 1 FROM paths p WHERE p.memory_id = m.id)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recent []storage.RecentMemory
	for rows.Next() {
		var r storage.RecentMemory
		var content, createdAt string
		var uri sql.NullString
		if err := rows.Scan(&r.MemoryID, &content, &r.Priority, &createdAt, &uri); err != nil {
			return nil, err
		}
		r.Snippet = memory.Snippet(content, snippetLimit)
		if t, err := parseTime(createdAt); err == nil {
			r.CreatedAt = t
		}
		r.URI = uri.String
		recent = append(recent, r)
	}
	return recent, rows.Err()
}

// GetAllOrphanMemories lists memories no path addresses.
func (s *SQLiteStore) GetAllOrphanMemories(ctx context.Context) ([]memory.Orphan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.deprecated, m.migrated_to, m.created_at,
		       (SELECT p.domain || '://' || p.path FROM paths p
		        WHERE p.memory_id = m.migrated_to ORDER BY p.domain, p.path LIMIT 1)
		FROM memories m
		WHERE NOT EXISTS (SELECT 1 FROM paths p WHERE p.memory_id = m.id)
		ORDER BY m.created_at DESC, m.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orphans []memory.Orphan
	for rows.Next() {
		var o memory.Orphan
		var content, createdAt string
		var migratedTo sql.NullInt64
		var targetURI sql.NullString
		if err := rows.Scan(&o.ID, &content, &o.Deprecated, &migratedTo, &createdAt, &targetURI); err != nil {
			return nil, err
		}
		o.ContentSnippet = memory.Snippet(content, snippetLimit)
		if migratedTo.Valid {
			o.MigratedTo = &migratedTo.Int64
		}
		o.MigrationTarget = targetURI.String
		if t, err := parseTime(createdAt); err == nil {
			o.CreatedAt = t
		}
		o.Category = memory.OrphanPathless
		if o.Deprecated {
			o.Category = memory.OrphanDeprecated
		}
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}

// GetOrphanDetail loads one orphan with its migration target for diffing.
func (s *SQLiteStore) GetOrphanDetail(ctx context.Context, memoryID int64) (*storage.OrphanDetail, error) {
	mem, err := s.GetMemoryByID(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	paths, err := s.GetAliases(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		return nil, fmt.Errorf("%w: memory %d is addressable, not an orphan", enerr.ErrValidation, memoryID)
	}

	detail := &storage.OrphanDetail{Memory: *mem, Category: memory.OrphanPathless}
	if mem.Deprecated {
		detail.Category = memory.OrphanDeprecated
	}
	if mem.MigratedTo != nil {
		target, err := s.GetMemoryByID(ctx, *mem.MigratedTo)
		if err == nil {
			detail.MigrationTarget = target
			if targetPaths, err := s.GetAliases(ctx, target.ID); err == nil && len(targetPaths) > 0 {
				detail.TargetURI = memory.MakeURI(targetPaths[0].Domain, targetPaths[0].Path)
			}
		}
	}
	return detail, nil
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
