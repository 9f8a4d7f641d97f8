package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/config"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Query names, used as metric labels.
const (
	QueryFetch        = "fetch"
	QueryDestinations = "destinations"
)

// SQLSource queries an Asterisk CDR database.
//
// It expects the standard Asterisk cdr table (calldate, src, dst, cnam,
// lastapp, disposition, billsec) and a users table mapping extension to
// name, as FreePBX provides:
//
//	CREATE TABLE users (extension VARCHAR(20), name VARCHAR(50));
type SQLSource struct {
	name       string
	driver     string
	db         *sql.DB
	cdrTable   string
	usersTable string
	logger     *slog.Logger
}

// Options configures an SQLSource built over an existing *sql.DB.
type Options struct {
	Driver     string
	CDRTable   string
	UsersTable string
}

// Open creates an SQLSource from configuration. It does not connect; call
// Ping to verify the database is reachable.
func Open(cfg config.SourceConfig) (*SQLSource, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening %s source %s: %w", cfg.Driver, cfg.Name, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	src, err := NewSQLSource(cfg.Name, db, Options{
		Driver:     cfg.Driver,
		CDRTable:   cfg.CDRTable,
		UsersTable: cfg.UsersTable,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return src, nil
}

// NewSQLSource wraps db. Table names must be plain identifiers because they
// are interpolated into the query text.
func NewSQLSource(name string, db *sql.DB, opts Options) (*SQLSource, error) {
	if opts.CDRTable == "" {
		opts.CDRTable = "cdr"
	}
	if opts.UsersTable == "" {
		opts.UsersTable = "users"
	}
	for _, t := range []string{opts.CDRTable, opts.UsersTable} {
		if !identPattern.MatchString(t) {
			return nil, fmt.Errorf("source %s: invalid table name %q", name, t)
		}
	}
	return &SQLSource{
		name:       name,
		driver:     opts.Driver,
		db:         db,
		cdrTable:   opts.CDRTable,
		usersTable: opts.UsersTable,
		logger:     slog.Default().With("component", "sql-source", "source", name),
	}, nil
}

func (s *SQLSource) Name() string { return s.name }

func (s *SQLSource) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging source %s: %w", s.name, err)
	}
	return nil
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}

// Fetch runs the activity and roster queries for w.
func (s *SQLSource) Fetch(ctx context.Context, w window.Window) ([]report.ExtensionStat, []report.RosterEntry, error) {
	rows, err := s.activity(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	roster, err := s.roster(ctx)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug("source fetched",
		"window", w.Label(),
		"activity_rows", len(rows),
		"roster_size", len(roster),
	)
	return rows, roster, nil
}

func (s *SQLSource) activity(ctx context.Context, w window.Window) ([]report.ExtensionStat, error) {
	query := s.rebind(fmt.Sprintf(`
		SELECT src,
		       COALESCE(MAX(cnam), '') AS cnam,
		       COUNT(DISTINCT dst) AS unique_destinations,
		       COUNT(*) AS call_count,
		       COALESCE(SUM(billsec), 0) AS talk_seconds,
		       COALESCE(SUM(CASE WHEN billsec > %[2]d THEN 1 ELSE 0 END), 0) AS long_calls,
		       COALESCE(SUM(CASE WHEN billsec > %[2]d THEN billsec ELSE 0 END), 0) AS long_call_seconds
		FROM %[1]s
		WHERE calldate BETWEEN ? AND ?
		  AND lastapp = 'Dial'
		  AND disposition = 'ANSWERED'
		GROUP BY src
	`, s.cdrTable, report.LongCallSeconds))

	from, to := w.SQLBounds()
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying activity on %s: %w", s.name, err)
	}
	defer rows.Close()

	var stats []report.ExtensionStat
	for rows.Next() {
		var (
			src                         sql.NullString
			cnam                        string
			unique, calls               int64
			talkSec, longCalls, longSec int64
		)
		if err := rows.Scan(&src, &cnam, &unique, &calls, &talkSec, &longCalls, &longSec); err != nil {
			return nil, fmt.Errorf("scanning activity row on %s: %w", s.name, err)
		}
		ext, ok := parseExtension(src.String)
		if !ok {
			continue
		}
		stats = append(stats, report.ExtensionStat{
			Extension:          ext,
			Name:               strings.TrimSpace(cnam),
			UniqueDestinations: int(unique),
			CallCount:          int(calls),
			TotalTalkMinutes:   report.Minutes(talkSec),
			LongCallCount:      int(longCalls),
			LongCallMinutes:    report.Minutes(longSec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading activity rows on %s: %w", s.name, err)
	}
	return stats, nil
}

func (s *SQLSource) roster(ctx context.Context) ([]report.RosterEntry, error) {
	query := fmt.Sprintf(`SELECT extension, COALESCE(name, '') FROM %s`, s.usersTable)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying roster on %s: %w", s.name, err)
	}
	defer rows.Close()

	var roster []report.RosterEntry
	for rows.Next() {
		var ext sql.NullString
		var name string
		if err := rows.Scan(&ext, &name); err != nil {
			return nil, fmt.Errorf("scanning roster row on %s: %w", s.name, err)
		}
		n, ok := parseExtension(ext.String)
		if !ok {
			continue
		}
		roster = append(roster, report.RosterEntry{Extension: n, Name: strings.TrimSpace(name)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading roster rows on %s: %w", s.name, err)
	}
	return roster, nil
}

// FetchDestinations tallies dialled calls per destination for w.
func (s *SQLSource) FetchDestinations(ctx context.Context, w window.Window) ([]report.DestinationStat, error) {
	query := s.rebind(fmt.Sprintf(`
		SELECT dst,
		       COUNT(*) AS total_calls,
		       COALESCE(SUM(CASE WHEN disposition = 'ANSWERED' THEN 1 ELSE 0 END), 0) AS answered_calls,
		       COALESCE(SUM(CASE WHEN disposition = 'ANSWERED' THEN billsec ELSE 0 END), 0) AS talk_seconds
		FROM %s
		WHERE calldate BETWEEN ? AND ?
		  AND lastapp = 'Dial'
		GROUP BY dst
	`, s.cdrTable))

	from, to := w.SQLBounds()
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying destinations on %s: %w", s.name, err)
	}
	defer rows.Close()

	var stats []report.DestinationStat
	for rows.Next() {
		var dst sql.NullString
		var total, answered, talk int64
		if err := rows.Scan(&dst, &total, &answered, &talk); err != nil {
			return nil, fmt.Errorf("scanning destination row on %s: %w", s.name, err)
		}
		if dst.String == "" {
			continue
		}
		stats = append(stats, report.DestinationStat{
			Destination:   dst.String,
			TotalCalls:    int(total),
			AnsweredCalls: int(answered),
			TalkSeconds:   talk,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading destination rows on %s: %w", s.name, err)
	}
	return stats, nil
}

// rebind rewrites ? placeholders to $N for PostgreSQL.
func (s *SQLSource) rebind(query string) string {
	if s.driver != config.DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseExtension accepts reportable numeric extensions only.
func parseExtension(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || !report.ValidExtension(n) {
		return 0, false
	}
	return n, true
}
