// Package adapter implements the read-mostly relational policy-config
// store: Users, Quotas, Domains, Emails and their associations
// (spec.md §3). It is grounded on
// _examples/original_source/chapps/adapter.go and sqla_adapter.py,
// re-expressed over database/sql instead of a MariaDB-specific driver
// or an ORM, with three selectable dialects (CHAPPS_DB_MODULE).
package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chapps-dev/chapps/framework/exterrors"
)

var (
	// ErrNoSuchUser is returned when no User row matches the extracted
	// user key.
	ErrNoSuchUser = errors.New("adapter: no such user")
	// ErrNoSuchQuota is returned when a User exists but has no
	// associated Quota.
	ErrNoSuchQuota = errors.New("adapter: user has no quota")
)

// PolicyConfigAdapter is the read-only query surface every policy uses
// on a cache miss. Implementations own exactly the queries spec.md §3
// describes; they never write — all mutation is the external admin/CLI
// collaborator's job.
type PolicyConfigAdapter interface {
	// QuotaForUser returns the Quota.quota value associated with user,
	// or ErrNoSuchUser / ErrNoSuchQuota.
	QuotaForUser(ctx context.Context, user string) (int64, error)

	// DomainAuthorized reports whether user is authorized to send as
	// domain (a user<->domain association exists).
	DomainAuthorized(ctx context.Context, user, domain string) (bool, error)

	// EmailAuthorized reports whether user is authorized to send as
	// the whole email address (a user<->email association exists).
	EmailAuthorized(ctx context.Context, user, email string) (bool, error)

	// DomainFlags returns the greylist and check_spf flags for a
	// recipient domain. Missing rows (no Domain record) are treated as
	// both-false, per spec.md §9's open question on the greylist flag.
	DomainFlags(ctx context.Context, domain string) (greylist, checkSPF bool, err error)

	Close() error
}

// Dialect identifies one of the three CHAPPS_DB_MODULE backends.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// Open opens a database/sql connection pool for dialect and dsn and
// returns a PolicyConfigAdapter backed by it. The three dialects share
// one query implementation (sqlAdapter); only placeholder syntax
// differs, expressed via the placeholder function.
func Open(dialect Dialect, driverName, dsn string) (PolicyConfigAdapter, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, exterrors.WithTemporary(fmt.Errorf("adapter: open %s: %w", dialect, err), false)
	}
	ph := placeholderDollar
	if dialect == DialectMySQL || dialect == DialectSQLite {
		ph = placeholderQuestion
	}
	return &sqlAdapter{db: db, ph: ph}, nil
}

type placeholderFunc func(n int) string

func placeholderDollar(n int) string  { return fmt.Sprintf("$%d", n) }
func placeholderQuestion(int) string  { return "?" }

type sqlAdapter struct {
	db *sql.DB
	ph placeholderFunc
}

func (a *sqlAdapter) Close() error { return a.db.Close() }

func (a *sqlAdapter) QuotaForUser(ctx context.Context, user string) (int64, error) {
	query := fmt.Sprintf(
		`SELECT q.quota FROM quotas q
		 JOIN quota_user j ON j.quota_id = q.id
		 JOIN users u ON u.id = j.user_id
		 WHERE u.name = %s`, a.ph(1))

	var quota int64
	err := a.db.QueryRowContext(ctx, query, user).Scan(&quota)
	switch {
	case err == sql.ErrNoRows:
		if ok, uerr := a.userExists(ctx, user); uerr != nil {
			return 0, uerr
		} else if !ok {
			return 0, ErrNoSuchUser
		}
		return 0, ErrNoSuchQuota
	case err != nil:
		return 0, exterrors.WithTemporary(fmt.Errorf("adapter: quota lookup: %w", err), true)
	}
	return quota, nil
}

func (a *sqlAdapter) userExists(ctx context.Context, user string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM users WHERE name = %s`, a.ph(1))
	var dummy int
	err := a.db.QueryRowContext(ctx, query, user).Scan(&dummy)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, exterrors.WithTemporary(fmt.Errorf("adapter: user lookup: %w", err), true)
	}
	return true, nil
}

func (a *sqlAdapter) DomainAuthorized(ctx context.Context, user, domain string) (bool, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(d.name) FROM domains d
		 JOIN domain_user j ON j.domain_id = d.id
		 JOIN users u ON u.id = j.user_id
		 WHERE d.name = %s AND u.name = %s`, a.ph(1), a.ph(2))
	var count int
	if err := a.db.QueryRowContext(ctx, query, domain, user).Scan(&count); err != nil {
		return false, exterrors.WithTemporary(fmt.Errorf("adapter: domain authorization lookup: %w", err), true)
	}
	return count > 0, nil
}

func (a *sqlAdapter) EmailAuthorized(ctx context.Context, user, email string) (bool, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(e.name) FROM emails e
		 JOIN email_user j ON j.email_id = e.id
		 JOIN users u ON u.id = j.user_id
		 WHERE e.name = %s AND u.name = %s`, a.ph(1), a.ph(2))
	var count int
	if err := a.db.QueryRowContext(ctx, query, email, user).Scan(&count); err != nil {
		return false, exterrors.WithTemporary(fmt.Errorf("adapter: email authorization lookup: %w", err), true)
	}
	return count > 0, nil
}

func (a *sqlAdapter) DomainFlags(ctx context.Context, domain string) (bool, bool, error) {
	query := fmt.Sprintf(`SELECT greylist, check_spf FROM domains WHERE name = %s`, a.ph(1))
	var greylist, checkSPF bool
	err := a.db.QueryRowContext(ctx, query, domain).Scan(&greylist, &checkSPF)
	switch {
	case err == sql.ErrNoRows:
		// Missing Domain row: treat both flags as false (spec.md §9
		// open question on the greylist flag, extended to check_spf
		// for symmetry since both are per-domain inbound-enforcement
		// flags with the same "older schema may lack it" caveat).
		return false, false, nil
	case err != nil:
		return false, false, exterrors.WithTemporary(fmt.Errorf("adapter: domain flags lookup: %w", err), true)
	}
	return greylist, checkSPF, nil
}
