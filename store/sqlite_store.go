package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/openact/openactmodel"
	"github.com/GoCodeAlone/openact/pkg/fieldcrypt"
	"github.com/GoCodeAlone/openact/trn"
)

// SQLiteSchema is the DDL shared by SQLiteCredentialStore and
// SQLiteConfigStore, written against modernc.org/sqlite's dialect (foreign
// keys must be turned on per-connection with "PRAGMA foreign_keys = ON").
const SQLiteSchema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS credentials (
	trn           TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at    DATETIME,
	token_type    TEXT NOT NULL DEFAULT '',
	scope         TEXT NOT NULL DEFAULT '',
	extra         TEXT,
	version       INTEGER NOT NULL DEFAULT 1,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
	trn                        TEXT PRIMARY KEY,
	name                       TEXT NOT NULL,
	authorization_type         TEXT NOT NULL,
	auth_parameters            TEXT,
	invocation_http_parameters TEXT,
	auth_ref                   TEXT NOT NULL DEFAULT '',
	http_policy                TEXT,
	timeout_config             TEXT,
	network_config             TEXT,
	retry_policy               TEXT,
	version                    INTEGER NOT NULL DEFAULT 1,
	created_at                 DATETIME NOT NULL,
	updated_at                 DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS actions (
	trn             TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	connection_trn  TEXT NOT NULL REFERENCES connections(trn) ON DELETE CASCADE,
	method          TEXT NOT NULL,
	api_endpoint    TEXT NOT NULL,
	headers         TEXT,
	query_params    TEXT,
	request_body    TEXT,
	timeout_config  TEXT,
	network_config  TEXT,
	http_policy     TEXT,
	response_policy TEXT,
	retry_policy    TEXT
);
`

// OpenSQLite opens (and, if needed, creates) a SQLite database file at path
// via the pure-Go modernc.org/sqlite driver and applies SQLiteSchema. This
// is the embeddable alternative to the PG-backed stores for tests and
// single-binary deploys of the credential and config stores.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// modernc.org/sqlite serializes writes at the driver level; a single
	// connection avoids SQLITE_BUSY from competing writers inside one process.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return db, nil
}

// SQLiteCredentialStore implements CredentialStore over a *sql.DB opened
// with OpenSQLite. mu serializes CompareAndSwap's read-modify-write against
// concurrent callers in this process; the single-connection pool already
// serializes it against the driver, mu additionally protects the
// read-then-write window spanning two separate statements within Go.
type SQLiteCredentialStore struct {
	db     *sql.DB
	cipher *fieldCipher
	mu     sync.Mutex
}

// NewSQLiteCredentialStore wraps an already-opened database handle.
func NewSQLiteCredentialStore(db *sql.DB, ring fieldcrypt.KeyRing, tenant string) *SQLiteCredentialStore {
	return &SQLiteCredentialStore{db: db, cipher: newFieldCipher(ring, tenant, nil)}
}

func (s *SQLiteCredentialStore) decodeRow(ctx context.Context, trnVal, accessToken, refreshToken string, expiresAt *time.Time, tokenType, scope string, extraRaw *string, createdAt, updatedAt time.Time) (*openactmodel.AuthRecord, error) {
	enc := &openactmodel.AuthRecord{
		TRN: trnVal, AccessToken: accessToken, RefreshToken: refreshToken,
		ExpiresAt: expiresAt, TokenType: tokenType, Scope: scope,
		CreatedAt: createdAt, UpdatedAt: updatedAt,
	}
	if extraRaw != nil && *extraRaw != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(*extraRaw), &extra); err != nil {
			return nil, &openactmodel.CorruptionError{Ref: trnVal, Cause: fmt.Errorf("decoding extra column: %w", err)}
		}
		enc.Extra = extra
	}
	return s.cipher.decryptRecord(ctx, enc)
}

func (s *SQLiteCredentialStore) Get(ctx context.Context, authTRN string) (*openactmodel.AuthRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT trn, access_token, refresh_token, expires_at, token_type, scope, extra, created_at, updated_at FROM credentials WHERE trn = ?`, authTRN)
	var trnVal, accessToken, refreshToken, tokenType, scope string
	var expiresAt *time.Time
	var extra *string
	var createdAt, updatedAt time.Time
	err := row.Scan(&trnVal, &accessToken, &refreshToken, &expiresAt, &tokenType, &scope, &extra, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: get: %w", err)}
	}
	return s.decodeRow(ctx, trnVal, accessToken, refreshToken, expiresAt, tokenType, scope, extra, createdAt, updatedAt)
}

func (s *SQLiteCredentialStore) Put(ctx context.Context, authTRN string, rec *openactmodel.AuthRecord) error {
	enc, err := s.cipher.encryptRecord(ctx, rec)
	if err != nil {
		return err
	}
	extraJSON, err := marshalExtra(enc.Extra)
	if err != nil {
		return &openactmodel.ValidationError{Msg: fmt.Sprintf("credential store: %v", err)}
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (trn, access_token, refresh_token, expires_at, token_type, scope, extra, version, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,1,?,?)
		ON CONFLICT(trn) DO UPDATE SET
			access_token=excluded.access_token, refresh_token=excluded.refresh_token,
			expires_at=excluded.expires_at, token_type=excluded.token_type, scope=excluded.scope,
			extra=excluded.extra, version=credentials.version+1, updated_at=excluded.updated_at`,
		authTRN, enc.AccessToken, enc.RefreshToken, enc.ExpiresAt, enc.TokenType, enc.Scope, string(extraJSON), now, now)
	if err != nil {
		return &openactmodel.StorageError{Cause: fmt.Errorf("credential store: put: %w", err)}
	}
	return nil
}

func (s *SQLiteCredentialStore) Delete(ctx context.Context, authTRN string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE trn = ?`, authTRN)
	if err != nil {
		return false, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: delete: %w", err)}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteCredentialStore) CompareAndSwap(ctx context.Context, authTRN string, expected, updated *openactmodel.AuthRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Get(ctx, authTRN)
	if err != nil {
		return false, err
	}
	if !recordsEqual(current, expected) {
		return false, nil
	}
	if updated == nil {
		_, err := s.Delete(ctx, authTRN)
		return err == nil, err
	}
	return true, s.Put(ctx, authTRN, updated)
}

func (s *SQLiteCredentialStore) ListRefs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trn FROM credentials`)
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: list refs: %w", err)}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, &openactmodel.StorageError{Cause: err}
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *SQLiteCredentialStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM credentials`).Scan(&n); err != nil {
		return 0, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: count: %w", err)}
	}
	return n, nil
}

func (s *SQLiteCredentialStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return 0, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: cleanup: %w", err)}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SQLiteConfigStore implements ConfigStore over a *sql.DB opened with
// OpenSQLite, relying on the actions.connection_trn foreign key (with
// PRAGMA foreign_keys on) for both referential integrity on insert and
// cascade delete, same division of labor as PGConfigStore.
type SQLiteConfigStore struct {
	db *sql.DB
}

func NewSQLiteConfigStore(db *sql.DB) *SQLiteConfigStore {
	return &SQLiteConfigStore{db: db}
}

func (s *SQLiteConfigStore) GetConnection(ctx context.Context, connTRN string) (*openactmodel.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trn, name, authorization_type, auth_parameters, invocation_http_parameters,
			auth_ref, http_policy, timeout_config, network_config, retry_policy, version, created_at, updated_at
		FROM connections WHERE trn = ?`, connTRN)
	conn, err := scanSQLiteConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: fmt.Errorf("config store: get connection: %w", err)}
	}
	return conn, nil
}

func (s *SQLiteConfigStore) PutConnection(ctx context.Context, conn *openactmodel.Connection) error {
	if conn.TRN == "" {
		return &openactmodel.ValidationError{Msg: "connection: trn is required"}
	}
	if _, err := trn.Parse(conn.TRN); err != nil {
		return &openactmodel.ValidationError{Msg: fmt.Sprintf("connection: %v", err)}
	}
	authParams, _ := json.Marshal(conn.AuthParameters)
	invocation, _ := json.Marshal(conn.InvocationHTTPParameters)
	httpPolicy, _ := json.Marshal(conn.HTTPPolicy)
	timeoutCfg, _ := json.Marshal(conn.TimeoutConfig)
	networkCfg, _ := json.Marshal(conn.NetworkConfig)
	retryPolicy, _ := json.Marshal(conn.RetryPolicy)
	now := time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (trn, name, authorization_type, auth_parameters, invocation_http_parameters,
			auth_ref, http_policy, timeout_config, network_config, retry_policy, version, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,1,?,?)
		ON CONFLICT(trn) DO UPDATE SET
			name=excluded.name, authorization_type=excluded.authorization_type,
			auth_parameters=excluded.auth_parameters, invocation_http_parameters=excluded.invocation_http_parameters,
			auth_ref=excluded.auth_ref, http_policy=excluded.http_policy, timeout_config=excluded.timeout_config,
			network_config=excluded.network_config, retry_policy=excluded.retry_policy,
			version=connections.version+1, updated_at=excluded.updated_at`,
		conn.TRN, conn.Name, string(conn.AuthorizationType), string(authParams), string(invocation),
		conn.AuthRef, string(httpPolicy), string(timeoutCfg), string(networkCfg), string(retryPolicy), now, now)
	if err != nil {
		return &openactmodel.StorageError{Cause: fmt.Errorf("config store: put connection: %w", err)}
	}
	return nil
}

func (s *SQLiteConfigStore) DeleteConnection(ctx context.Context, connTRN string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE trn = ?`, connTRN)
	if err != nil {
		return false, &openactmodel.StorageError{Cause: fmt.Errorf("config store: delete connection: %w", err)}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteConfigStore) ListConnections(ctx context.Context) ([]*openactmodel.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trn, name, authorization_type, auth_parameters, invocation_http_parameters,
			auth_ref, http_policy, timeout_config, network_config, retry_policy, version, created_at, updated_at
		FROM connections ORDER BY trn`)
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: fmt.Errorf("config store: list connections: %w", err)}
	}
	defer rows.Close()
	var out []*openactmodel.Connection
	for rows.Next() {
		conn, err := scanSQLiteConnection(rows)
		if err != nil {
			return nil, &openactmodel.StorageError{Cause: err}
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteConnection(row sqliteScanner) (*openactmodel.Connection, error) {
	var conn openactmodel.Connection
	var authorizationType string
	var authParams, invocation, httpPolicy, timeoutCfg, networkCfg, retryPolicy *string
	err := row.Scan(&conn.TRN, &conn.Name, &authorizationType, &authParams, &invocation,
		&conn.AuthRef, &httpPolicy, &timeoutCfg, &networkCfg, &retryPolicy,
		&conn.Version, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	conn.AuthorizationType = openactmodel.AuthorizationType(authorizationType)
	if err := unmarshalSQLiteField(authParams, &conn.AuthParameters); err != nil {
		return nil, fmt.Errorf("decoding auth_parameters: %w", err)
	}
	if err := unmarshalSQLiteField(invocation, &conn.InvocationHTTPParameters); err != nil {
		return nil, fmt.Errorf("decoding invocation_http_parameters: %w", err)
	}
	if err := unmarshalSQLiteField(httpPolicy, &conn.HTTPPolicy); err != nil {
		return nil, fmt.Errorf("decoding http_policy: %w", err)
	}
	if err := unmarshalSQLiteField(timeoutCfg, &conn.TimeoutConfig); err != nil {
		return nil, fmt.Errorf("decoding timeout_config: %w", err)
	}
	if err := unmarshalSQLiteField(networkCfg, &conn.NetworkConfig); err != nil {
		return nil, fmt.Errorf("decoding network_config: %w", err)
	}
	if err := unmarshalSQLiteField(retryPolicy, &conn.RetryPolicy); err != nil {
		return nil, fmt.Errorf("decoding retry_policy: %w", err)
	}
	return &conn, nil
}

func unmarshalSQLiteField(raw *string, target any) error {
	if raw == nil || *raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(*raw), target)
}

func (s *SQLiteConfigStore) GetAction(ctx context.Context, actionTRN string) (*openactmodel.Action, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trn, name, connection_trn, method, api_endpoint, headers, query_params, request_body,
			timeout_config, network_config, http_policy, response_policy, retry_policy
		FROM actions WHERE trn = ?`, actionTRN)
	action, err := scanSQLiteAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: fmt.Errorf("config store: get action: %w", err)}
	}
	return action, nil
}

func (s *SQLiteConfigStore) PutAction(ctx context.Context, action *openactmodel.Action) error {
	if action.TRN == "" {
		return &openactmodel.ValidationError{Msg: "action: trn is required"}
	}
	if _, err := trn.Parse(action.TRN); err != nil {
		return &openactmodel.ValidationError{Msg: fmt.Sprintf("action: %v", err)}
	}
	headers, _ := json.Marshal(action.Headers)
	query, _ := json.Marshal(action.QueryParams)
	body, _ := json.Marshal(action.RequestBody)
	timeoutCfg, _ := json.Marshal(action.TimeoutConfig)
	networkCfg, _ := json.Marshal(action.NetworkConfig)
	httpPolicy, _ := json.Marshal(action.HTTPPolicy)
	responsePolicy, _ := json.Marshal(action.ResponsePolicy)
	retryPolicy, _ := json.Marshal(action.RetryPolicy)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (trn, name, connection_trn, method, api_endpoint, headers, query_params,
			request_body, timeout_config, network_config, http_policy, response_policy, retry_policy)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(trn) DO UPDATE SET
			name=excluded.name, connection_trn=excluded.connection_trn, method=excluded.method,
			api_endpoint=excluded.api_endpoint, headers=excluded.headers, query_params=excluded.query_params,
			request_body=excluded.request_body, timeout_config=excluded.timeout_config,
			network_config=excluded.network_config, http_policy=excluded.http_policy,
			response_policy=excluded.response_policy, retry_policy=excluded.retry_policy`,
		action.TRN, action.Name, action.ConnectionTRN, action.Method, action.APIEndpoint,
		string(headers), string(query), string(body), string(timeoutCfg), string(networkCfg),
		string(httpPolicy), string(responsePolicy), string(retryPolicy))
	if err != nil {
		if isSQLiteForeignKeyViolation(err) {
			return &openactmodel.ValidationError{Msg: fmt.Sprintf("action: connection_trn %q does not exist", action.ConnectionTRN)}
		}
		return &openactmodel.StorageError{Cause: fmt.Errorf("config store: put action: %w", err)}
	}
	return nil
}

func (s *SQLiteConfigStore) DeleteAction(ctx context.Context, actionTRN string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE trn = ?`, actionTRN)
	if err != nil {
		return false, &openactmodel.StorageError{Cause: fmt.Errorf("config store: delete action: %w", err)}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteConfigStore) ListActions(ctx context.Context) ([]*openactmodel.Action, error) {
	return s.queryActions(ctx, `
		SELECT trn, name, connection_trn, method, api_endpoint, headers, query_params, request_body,
			timeout_config, network_config, http_policy, response_policy, retry_policy
		FROM actions ORDER BY trn`)
}

func (s *SQLiteConfigStore) ListActionsByConnection(ctx context.Context, connTRN string) ([]*openactmodel.Action, error) {
	return s.queryActions(ctx, `
		SELECT trn, name, connection_trn, method, api_endpoint, headers, query_params, request_body,
			timeout_config, network_config, http_policy, response_policy, retry_policy
		FROM actions WHERE connection_trn = ? ORDER BY trn`, connTRN)
}

func (s *SQLiteConfigStore) queryActions(ctx context.Context, query string, args ...any) ([]*openactmodel.Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: fmt.Errorf("config store: list actions: %w", err)}
	}
	defer rows.Close()
	var out []*openactmodel.Action
	for rows.Next() {
		action, err := scanSQLiteAction(rows)
		if err != nil {
			return nil, &openactmodel.StorageError{Cause: err}
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

func scanSQLiteAction(row sqliteScanner) (*openactmodel.Action, error) {
	var action openactmodel.Action
	var headers, query, body, timeoutCfg, networkCfg, httpPolicy, responsePolicy, retryPolicy *string
	err := row.Scan(&action.TRN, &action.Name, &action.ConnectionTRN, &action.Method, &action.APIEndpoint,
		&headers, &query, &body, &timeoutCfg, &networkCfg, &httpPolicy, &responsePolicy, &retryPolicy)
	if err != nil {
		return nil, err
	}
	if err := unmarshalSQLiteField(headers, &action.Headers); err != nil {
		return nil, fmt.Errorf("decoding headers: %w", err)
	}
	if err := unmarshalSQLiteField(query, &action.QueryParams); err != nil {
		return nil, fmt.Errorf("decoding query_params: %w", err)
	}
	if err := unmarshalSQLiteField(body, &action.RequestBody); err != nil {
		return nil, fmt.Errorf("decoding request_body: %w", err)
	}
	if err := unmarshalSQLiteField(timeoutCfg, &action.TimeoutConfig); err != nil {
		return nil, fmt.Errorf("decoding timeout_config: %w", err)
	}
	if err := unmarshalSQLiteField(networkCfg, &action.NetworkConfig); err != nil {
		return nil, fmt.Errorf("decoding network_config: %w", err)
	}
	if err := unmarshalSQLiteField(httpPolicy, &action.HTTPPolicy); err != nil {
		return nil, fmt.Errorf("decoding http_policy: %w", err)
	}
	if err := unmarshalSQLiteField(responsePolicy, &action.ResponsePolicy); err != nil {
		return nil, fmt.Errorf("decoding response_policy: %w", err)
	}
	if err := unmarshalSQLiteField(retryPolicy, &action.RetryPolicy); err != nil {
		return nil, fmt.Errorf("decoding retry_policy: %w", err)
	}
	return &action, nil
}

// isSQLiteForeignKeyViolation recognizes modernc.org/sqlite's error text for
// a foreign-key constraint failure; the driver does not expose a typed
// SQLite result code the way pgx exposes SQLState.
func isSQLiteForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
