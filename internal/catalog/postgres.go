package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
)

// projectDocuments picks one release per project: yanked and file-less releases are
// skipped, stable releases win over prereleases, then the highest internal ordering.
const projectDocuments = `
	SELECT DISTINCT ON (p.name)
		p.name,
		p.normalized_name,
		r.version,
		coalesce(r.author, ''),
		coalesce(r.author_email, ''),
		coalesce(r.maintainer, ''),
		coalesce(r.maintainer_email, ''),
		coalesce(r.summary, ''),
		coalesce(r.keywords, ''),
		coalesce(r.platform, ''),
		coalesce(r.home_page, ''),
		coalesce(r.download_url, ''),
		r.created,
		coalesce(d.raw, ''),
		array_to_json(ARRAY(
			SELECT c.classifier
			FROM release_classifiers rc
			JOIN trove_classifiers c ON c.id = rc.trove_id
			WHERE rc.release_id = r.id
			ORDER BY c.classifier
		)) AS classifiers
	FROM releases r
	JOIN descriptions d ON d.id = r.description_id
	JOIN projects p ON p.id = r.project_id
	WHERE r.yanked IS FALSE
		AND EXISTS (SELECT 1 FROM release_files f WHERE f.release_id = r.id)
		AND ($1::text = '' OR p.normalized_name = $1::text)
	ORDER BY p.name, r.is_prerelease NULLS LAST, r._pypi_ordering DESC`

const cursorName = "project_documents"

// PostgresSource streams documents from the catalog database through a server-side
// cursor so that only one page of rows is held in memory.
type PostgresSource struct {
	db               *sql.DB
	pageSize         int
	projectPageSize  int
	statementTimeout time.Duration
	log              *zap.Logger
}

type PostgresOptions struct {
	PageSize         int
	ProjectPageSize  int
	StatementTimeout time.Duration
}

func NewPostgresSource(db *sql.DB, opts PostgresOptions, log *zap.Logger) *PostgresSource {
	if opts.PageSize <= 0 {
		opts.PageSize = 25000
	}
	if opts.ProjectPageSize <= 0 {
		opts.ProjectPageSize = 1000
	}
	return &PostgresSource{
		db:               db,
		pageSize:         opts.PageSize,
		projectPageSize:  opts.ProjectPageSize,
		statementTimeout: opts.StatementTimeout,
		log:              log.With(zap.String("component", "catalog")),
	}
}

func (s *PostgresSource) Stream(ctx context.Context, project string) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		if err := s.stream(ctx, Normalize(project), yield); err != nil {
			yield(Document{}, err)
		}
	}
}

func (s *PostgresSource) stream(ctx context.Context, filter string, yield func(Document, error) bool) error {
	pageSize := s.pageSize
	if filter != "" {
		pageSize = s.projectPageSize
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin catalog scan: %w", err)
	}
	// Read only: rollback is the normal way out.
	defer func() { _ = tx.Rollback() }()

	if s.statementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", s.statementTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set statement timeout: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DECLARE "+cursorName+" NO SCROLL CURSOR FOR "+projectDocuments, filter); err != nil {
		return fmt.Errorf("declare catalog cursor: %w", err)
	}

	fetch := fmt.Sprintf("FETCH FORWARD %d FROM %s", pageSize, cursorName)
	total := 0
	for page := 1; ; page++ {
		n, stop, err := s.fetchPage(ctx, tx, fetch, yield)
		total += n
		if err != nil {
			return fmt.Errorf("fetch catalog page %d: %w", page, err)
		}
		if stop {
			s.log.Debug("catalog scan stopped by consumer", zap.Int("documents", total))
			return nil
		}
		if n < pageSize {
			s.log.Debug("catalog scan finished", zap.Int("documents", total), zap.Int("pages", page))
			return nil
		}
	}
}

// fetchPage yields one page of rows. stop is true when the consumer asked to end early.
func (s *PostgresSource) fetchPage(ctx context.Context, tx *sql.Tx, fetch string, yield func(Document, error) bool) (int, bool, error) {
	rows, err := tx.QueryContext(ctx, fetch)
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return n, false, err
		}
		n++
		if !yield(newDocument(r), nil) {
			return n, true, nil
		}
	}
	return n, false, rows.Err()
}

func scanRelease(rows *sql.Rows) (Release, error) {
	var (
		r           Release
		classifiers []byte
	)
	if err := rows.Scan(
		&r.Project,
		&r.NormalizedName,
		&r.Version,
		&r.Author,
		&r.AuthorEmail,
		&r.Maintainer,
		&r.MaintainerEmail,
		&r.Summary,
		&r.Keywords,
		&r.Platform,
		&r.HomePage,
		&r.DownloadURL,
		&r.Created,
		&r.Description,
		&classifiers,
	); err != nil {
		return Release{}, fmt.Errorf("scan release: %w", err)
	}
	if len(classifiers) > 0 {
		if err := json.Unmarshal(classifiers, &r.Classifiers); err != nil {
			return Release{}, fmt.Errorf("decode classifiers for %s: %w", r.Project, err)
		}
	}
	return r, nil
}
