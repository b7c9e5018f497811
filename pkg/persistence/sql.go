package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/ringvault/ringvault"
)

const (
	defaultLoadQuery       = "SELECT key_record FROM encryption_key WHERE id = ? AND created = ?"
	defaultStoreQuery      = "INSERT INTO encryption_key (id, created, key_record) VALUES (?, ?, ?)"
	defaultLoadLatestQuery = "SELECT key_record FROM encryption_key WHERE id = ? ORDER BY created DESC LIMIT 1"
)

var (
	_ ringvault.Metastore = (*SQLMetastore)(nil)

	storeTimer      = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.store", ringvault.MetricsPrefix), nil)
	loadTimer       = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.load", ringvault.MetricsPrefix), nil)
	loadLatestTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.loadlatest", ringvault.MetricsPrefix), nil)
)

// DBType selects the placeholder syntax used to rewrite "?" query
// placeholders for a given database/sql driver family.
type DBType string

const (
	Postgres DBType = "postgres"
	Oracle   DBType = "oracle"
	MySQL    DBType = "mysql"

	DefaultDBType = MySQL
)

var placeholderRE = regexp.MustCompile(`\?`)

// q rewrites "?" placeholders to the target dialect's syntax: "$1, $2, ..."
// for Postgres, ":1, :2, ..." for Oracle, left untouched otherwise (MySQL
// and the database/sql default both use "?" natively).
func (t DBType) q(query string) string {
	var prefix string

	switch t {
	case Postgres:
		prefix = "$"
	case Oracle:
		prefix = ":"
	default:
		return query
	}

	n := 0

	return placeholderRE.ReplaceAllStringFunc(query, func(string) string {
		n++
		return prefix + strconv.Itoa(n)
	})
}

// SQLMetastoreOption configures a SQLMetastore.
type SQLMetastoreOption func(*SQLMetastore)

// WithDBType rewrites this store's queries for t's placeholder syntax.
func WithDBType(t DBType) SQLMetastoreOption {
	return func(s *SQLMetastore) {
		s.dbType = t
		s.loadQuery = t.q(s.loadQuery)
		s.storeQuery = t.q(s.storeQuery)
		s.loadLatestQuery = t.q(s.loadLatestQuery)
	}
}

// SQLMetastore is a Metastore backed by a relational table:
//
//	CREATE TABLE encryption_key (
//	  id          VARCHAR(255) NOT NULL,
//	  created     TIMESTAMP    NOT NULL,
//	  key_record  TEXT         NOT NULL,
//	  PRIMARY KEY (id, created)
//	);
type SQLMetastore struct {
	db *sql.DB

	dbType          DBType
	loadQuery       string
	storeQuery      string
	loadLatestQuery string
}

// NewSQLMetastore wraps an existing *sql.DB (e.g. opened with
// go-sql-driver/mysql) as a Metastore.
func NewSQLMetastore(db *sql.DB, opts ...SQLMetastoreOption) *SQLMetastore {
	s := &SQLMetastore{
		db:              db,
		dbType:          DefaultDBType,
		loadQuery:       defaultLoadQuery,
		storeQuery:      defaultStoreQuery,
		loadLatestQuery: defaultLoadLatestQuery,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func parseEnvelope(s scanner) (*ringvault.EnvelopeKeyRecord, error) {
	var raw string

	if err := s.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "error scanning key record")
	}

	var rec *ringvault.EnvelopeKeyRecord

	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal key record")
	}

	return rec, nil
}

// Load implements ringvault.Metastore.
func (s *SQLMetastore) Load(ctx context.Context, id string, created int64) (*ringvault.EnvelopeKeyRecord, error) {
	defer loadTimer.UpdateSince(time.Now())

	return parseEnvelope(s.db.QueryRowContext(ctx, s.loadQuery, id, time.Unix(created, 0)))
}

// LoadLatest implements ringvault.Metastore.
func (s *SQLMetastore) LoadLatest(ctx context.Context, id string) (*ringvault.EnvelopeKeyRecord, error) {
	defer loadLatestTimer.UpdateSince(time.Now())

	return parseEnvelope(s.db.QueryRowContext(ctx, s.loadLatestQuery, id))
}

// Store implements ringvault.Metastore. database/sql has no
// dialect-independent way to distinguish a unique-constraint violation from
// any other failure, so every error here is treated as "somebody already
// wrote this (id, created)" — callers always reload on a false/error return,
// which surfaces a genuine systemic failure on its own.
func (s *SQLMetastore) Store(ctx context.Context, id string, created int64, envelope *ringvault.EnvelopeKeyRecord) (bool, error) {
	defer storeTimer.UpdateSince(time.Now())

	b, err := json.Marshal(envelope)
	if err != nil {
		return false, errors.Wrap(err, "error marshaling envelope")
	}

	if _, err := s.db.ExecContext(ctx, s.storeQuery, id, time.Unix(created, 0), string(b)); err != nil {
		return false, errors.Wrapf(err, "error storing key %s@%d", id, created)
	}

	return true, nil
}
