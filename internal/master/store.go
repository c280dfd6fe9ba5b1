package master

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver for database/sql
	"golang.org/x/xerrors"
)

// packageVersion is the identifier pair the build queue carries end to
// end; both fields are opaque strings as far as the master is concerned.
type packageVersion struct {
	Package string
	Version string
}

// packageFile is one row of a package's file listing, as indexScribbler
// needs it to emit an anchor.
type packageFile struct {
	Filename string
	Filehash string
}

// counters is the set of named DB projections bigBrother samples every
// 10 seconds.
type counters struct {
	PackagesCount  int64
	PackagesBuilt  int64
	VersionsCount  int64
	VersionsBuilt  int64
	BuildsCount    int64
	BuildsLastHour int64
	BuildsSuccess  int64
	BuildsTime     time.Duration
	BuildsSize     int64
}

// store is the narrow persistence interface the core depends on; it is the
// seam tests inject fakes through.
type store interface {
	// PendingBuilds returns the (package, version) pairs not yet
	// successfully built, for queueStuffer to push onto the build queue.
	PendingBuilds(ctx context.Context) ([]packageVersion, error)

	// LogBuild persists a completed build.
	LogBuild(ctx context.Context, b buildState) error

	// PackageFiles returns the committed files for a package, in the
	// order indexScribbler should list them.
	PackageFiles(ctx context.Context, pkg string) ([]packageFile, error)

	// Counters samples the named counters plus derived timings
	// bigBrother publishes as STATUS.
	Counters(ctx context.Context) (counters, error)

	// AllPackages lists every known package name, for packageScraper to
	// iterate when refreshing version lists.
	AllPackages(ctx context.Context) ([]string, error)

	// RefreshPackageList polls the upstream index for the full set of
	// package names and upserts any new ones, returning the names that
	// were newly discovered this call.
	RefreshPackageList(ctx context.Context, pypiRoot string) ([]string, error)

	// RefreshPackageVersions polls the upstream index for pkg's version
	// list and upserts any new (package, version) pairs as pending
	// builds.
	RefreshPackageVersions(ctx context.Context, pkg, pypiRoot string) error

	Close() error
}

// postgresStore is the production store, built on database/sql with the
// lib/pq driver.
type postgresStore struct {
	db *sql.DB

	httpScraper *upstreamScraper
}

// openPostgresStore opens dsn and verifies connectivity.
func openPostgresStore(ctx context.Context, dsn, pypiRoot string) (*postgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, xerrors.Errorf("opening database %q: %w", dsn, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Errorf("connecting to database: %w", err)
	}
	return &postgresStore{
		db:          db,
		httpScraper: newUpstreamScraper(pypiRoot),
	}, nil
}

func (s *postgresStore) Close() error { return s.db.Close() }

func (s *postgresStore) PendingBuilds(ctx context.Context) ([]packageVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.package, v.version
		  FROM versions v
		  LEFT JOIN builds b
		    ON b.package = v.package AND b.version = v.version AND b.status
		 WHERE b.package IS NULL
		 ORDER BY v.package, v.version`)
	if err != nil {
		return nil, xerrors.Errorf("querying pending builds: %w", err)
	}
	defer rows.Close()

	var out []packageVersion
	for rows.Next() {
		var pv packageVersion
		if err := rows.Scan(&pv.Package, &pv.Version); err != nil {
			return nil, err
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

func (s *postgresStore) LogBuild(ctx context.Context, b buildState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (
			slave_id, package, version, status, output,
			filename, filesize, filehash, duration,
			package_version_tag, py_version_tag, abi_tag, platform_tag, built_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		b.SlaveID, b.Package, b.Version, b.Status, b.Output,
		b.Filename, b.Filesize, b.Filehash, b.Duration.Seconds(),
		b.PackageVersionTag, b.PyVersionTag, b.ABITag, b.PlatformTag, time.Now().UTC())
	if err != nil {
		return xerrors.Errorf("logging build %s %s: %w", b.Package, b.Version, err)
	}
	return nil
}

func (s *postgresStore) PackageFiles(ctx context.Context, pkg string) ([]packageFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT filename, filehash
		  FROM builds
		 WHERE package = $1 AND status
		 ORDER BY filename`, pkg)
	if err != nil {
		return nil, xerrors.Errorf("querying files for %s: %w", pkg, err)
	}
	defer rows.Close()

	var out []packageFile
	for rows.Next() {
		var f packageFile
		if err := rows.Scan(&f.Filename, &f.Filehash); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *postgresStore) Counters(ctx context.Context) (counters, error) {
	var c counters
	var buildsTimeSeconds float64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM packages),
			(SELECT count(DISTINCT package) FROM builds WHERE status),
			(SELECT count(*) FROM versions),
			(SELECT count(DISTINCT (package, version)) FROM builds WHERE status),
			(SELECT count(*) FROM builds),
			(SELECT count(*) FROM builds WHERE built_at > now() - interval '1 hour'),
			(SELECT count(*) FROM builds WHERE status),
			(SELECT coalesce(sum(duration), 0) FROM builds),
			(SELECT coalesce(sum(filesize), 0) FROM builds WHERE status)
	`).Scan(
		&c.PackagesCount, &c.PackagesBuilt, &c.VersionsCount, &c.VersionsBuilt,
		&c.BuildsCount, &c.BuildsLastHour, &c.BuildsSuccess, &buildsTimeSeconds, &c.BuildsSize)
	if err != nil {
		return counters{}, xerrors.Errorf("sampling counters: %w", err)
	}
	c.BuildsTime = time.Duration(buildsTimeSeconds * float64(time.Second))
	return c, nil
}

func (s *postgresStore) AllPackages(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM packages ORDER BY name`)
	if err != nil {
		return nil, xerrors.Errorf("listing packages: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *postgresStore) RefreshPackageList(ctx context.Context, pypiRoot string) ([]string, error) {
	names, err := s.httpScraper.packageNames(ctx)
	if err != nil {
		return nil, xerrors.Errorf("scraping package list: %w", err)
	}
	var added []string
	for _, name := range names {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO packages (name) VALUES ($1)
			ON CONFLICT (name) DO NOTHING`, name)
		if err != nil {
			return nil, xerrors.Errorf("upserting package %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added = append(added, name)
		}
	}
	return added, nil
}

func (s *postgresStore) RefreshPackageVersions(ctx context.Context, pkg, pypiRoot string) error {
	versions, err := s.httpScraper.packageVersions(ctx, pkg)
	if err != nil {
		return xerrors.Errorf("scraping versions for %s: %w", pkg, err)
	}
	sortVersionsNewestFirst(versions)
	for _, v := range versions {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO versions (package, version) VALUES ($1,$2)
			ON CONFLICT (package, version) DO NOTHING`, pkg, v); err != nil {
			return xerrors.Errorf("upserting version %s %s: %w", pkg, v, err)
		}
	}
	return nil
}
