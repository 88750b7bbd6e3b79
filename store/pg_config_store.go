package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/openact/openactmodel"
	"github.com/GoCodeAlone/openact/trn"
)

// PGConfigStore is a ConfigStore backed by PostgreSQL.
// Actions carry a foreign key to their Connection with ON DELETE CASCADE, so
// the cascade-delete invariant is enforced by the database itself rather
// than by application code racing a second query.
type PGConfigStore struct {
	pool *pgxpool.Pool
}

// ConfigSchema is the DDL PGConfigStore expects.
const ConfigSchema = `
CREATE TABLE IF NOT EXISTS connections (
	trn                         TEXT PRIMARY KEY,
	name                        TEXT NOT NULL,
	authorization_type          TEXT NOT NULL,
	auth_parameters             JSONB,
	invocation_http_parameters  JSONB,
	auth_ref                    TEXT NOT NULL DEFAULT '',
	http_policy                 JSONB,
	timeout_config              JSONB,
	network_config              JSONB,
	retry_policy                JSONB,
	version                     INT NOT NULL DEFAULT 1,
	created_at                  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS actions (
	trn             TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	connection_trn  TEXT NOT NULL REFERENCES connections(trn) ON DELETE CASCADE,
	method          TEXT NOT NULL,
	api_endpoint    TEXT NOT NULL,
	headers         JSONB,
	query_params    JSONB,
	request_body    JSONB,
	timeout_config  JSONB,
	network_config  JSONB,
	http_policy     JSONB,
	response_policy JSONB,
	retry_policy    JSONB
);
`

// NewPGConfigStore connects to PostgreSQL and returns a store over the
// "connections" and "actions" tables.
func NewPGConfigStore(ctx context.Context, url string) (*PGConfigStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("config store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("config store: ping: %w", err)
	}
	return &PGConfigStore{pool: pool}, nil
}

func (s *PGConfigStore) Close() { s.pool.Close() }

func (s *PGConfigStore) GetConnection(ctx context.Context, connTRN string) (*openactmodel.Connection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT trn, name, authorization_type, auth_parameters, invocation_http_parameters,
			auth_ref, http_policy, timeout_config, network_config, retry_policy, version, created_at, updated_at
		FROM connections WHERE trn = $1`, connTRN)
	conn, err := scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: fmt.Errorf("config store: get connection: %w", err)}
	}
	return conn, nil
}

func (s *PGConfigStore) PutConnection(ctx context.Context, conn *openactmodel.Connection) error {
	if conn.TRN == "" {
		return &openactmodel.ValidationError{Msg: "connection: trn is required"}
	}
	if _, err := trn.Parse(conn.TRN); err != nil {
		return &openactmodel.ValidationError{Msg: fmt.Sprintf("connection: %v", err)}
	}
	authParams, err := json.Marshal(conn.AuthParameters)
	if err != nil {
		return &openactmodel.ValidationError{Msg: fmt.Sprintf("connection: encoding auth_parameters: %v", err)}
	}
	invocation, err := json.Marshal(conn.InvocationHTTPParameters)
	if err != nil {
		return &openactmodel.ValidationError{Msg: fmt.Sprintf("connection: encoding invocation_http_parameters: %v", err)}
	}
	httpPolicy, _ := json.Marshal(conn.HTTPPolicy)
	timeoutCfg, _ := json.Marshal(conn.TimeoutConfig)
	networkCfg, _ := json.Marshal(conn.NetworkConfig)
	retryPolicy, _ := json.Marshal(conn.RetryPolicy)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO connections (trn, name, authorization_type, auth_parameters, invocation_http_parameters,
			auth_ref, http_policy, timeout_config, network_config, retry_policy, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,now(),now())
		ON CONFLICT (trn) DO UPDATE SET
			name = EXCLUDED.name,
			authorization_type = EXCLUDED.authorization_type,
			auth_parameters = EXCLUDED.auth_parameters,
			invocation_http_parameters = EXCLUDED.invocation_http_parameters,
			auth_ref = EXCLUDED.auth_ref,
			http_policy = EXCLUDED.http_policy,
			timeout_config = EXCLUDED.timeout_config,
			network_config = EXCLUDED.network_config,
			retry_policy = EXCLUDED.retry_policy,
			version = connections.version + 1,
			updated_at = now()`,
		conn.TRN, conn.Name, string(conn.AuthorizationType), authParams, invocation,
		conn.AuthRef, httpPolicy, timeoutCfg, networkCfg, retryPolicy)
	if err != nil {
		return &openactmodel.StorageError{Cause: fmt.Errorf("config store: put connection: %w", err)}
	}
	return nil
}

// DeleteConnection relies on the actions.connection_trn ON DELETE CASCADE
// foreign key to remove dependent Actions in the same statement.
func (s *PGConfigStore) DeleteConnection(ctx context.Context, connTRN string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE trn = $1`, connTRN)
	if err != nil {
		return false, &openactmodel.StorageError{Cause: fmt.Errorf("config store: delete connection: %w", err)}
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGConfigStore) ListConnections(ctx context.Context) ([]*openactmodel.Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trn, name, authorization_type, auth_parameters, invocation_http_parameters,
			auth_ref, http_policy, timeout_config, network_config, retry_policy, version, created_at, updated_at
		FROM connections ORDER BY trn`)
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: fmt.Errorf("config store: list connections: %w", err)}
	}
	defer rows.Close()
	var out []*openactmodel.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, &openactmodel.StorageError{Cause: err}
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

func scanConnection(row pgx.Row) (*openactmodel.Connection, error) {
	var conn openactmodel.Connection
	var authorizationType string
	var authParams, invocation, httpPolicy, timeoutCfg, networkCfg, retryPolicy []byte
	err := row.Scan(&conn.TRN, &conn.Name, &authorizationType, &authParams, &invocation,
		&conn.AuthRef, &httpPolicy, &timeoutCfg, &networkCfg, &retryPolicy,
		&conn.Version, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	conn.AuthorizationType = openactmodel.AuthorizationType(authorizationType)
	if err := unmarshalIfPresent(authParams, &conn.AuthParameters); err != nil {
		return nil, fmt.Errorf("decoding auth_parameters: %w", err)
	}
	if err := unmarshalIfPresent(invocation, &conn.InvocationHTTPParameters); err != nil {
		return nil, fmt.Errorf("decoding invocation_http_parameters: %w", err)
	}
	if len(httpPolicy) > 0 {
		if err := json.Unmarshal(httpPolicy, &conn.HTTPPolicy); err != nil {
			return nil, fmt.Errorf("decoding http_policy: %w", err)
		}
	}
	if err := unmarshalIfPresent(timeoutCfg, &conn.TimeoutConfig); err != nil {
		return nil, fmt.Errorf("decoding timeout_config: %w", err)
	}
	if err := unmarshalIfPresent(networkCfg, &conn.NetworkConfig); err != nil {
		return nil, fmt.Errorf("decoding network_config: %w", err)
	}
	if len(retryPolicy) > 0 {
		if err := json.Unmarshal(retryPolicy, &conn.RetryPolicy); err != nil {
			return nil, fmt.Errorf("decoding retry_policy: %w", err)
		}
	}
	return &conn, nil
}

func unmarshalIfPresent(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func (s *PGConfigStore) GetAction(ctx context.Context, actionTRN string) (*openactmodel.Action, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT trn, name, connection_trn, method, api_endpoint, headers, query_params, request_body,
			timeout_config, network_config, http_policy, response_policy, retry_policy
		FROM actions WHERE trn = $1`, actionTRN)
	action, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: fmt.Errorf("config store: get action: %w", err)}
	}
	return action, nil
}

// PutAction relies on the connection_trn foreign key constraint to reject an
// Action that names a nonexistent Connection.
func (s *PGConfigStore) PutAction(ctx context.Context, action *openactmodel.Action) error {
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO actions (trn, name, connection_trn, method, api_endpoint, headers, query_params,
			request_body, timeout_config, network_config, http_policy, response_policy, retry_policy)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (trn) DO UPDATE SET
			name = EXCLUDED.name,
			connection_trn = EXCLUDED.connection_trn,
			method = EXCLUDED.method,
			api_endpoint = EXCLUDED.api_endpoint,
			headers = EXCLUDED.headers,
			query_params = EXCLUDED.query_params,
			request_body = EXCLUDED.request_body,
			timeout_config = EXCLUDED.timeout_config,
			network_config = EXCLUDED.network_config,
			http_policy = EXCLUDED.http_policy,
			response_policy = EXCLUDED.response_policy,
			retry_policy = EXCLUDED.retry_policy`,
		action.TRN, action.Name, action.ConnectionTRN, action.Method, action.APIEndpoint,
		headers, query, body, timeoutCfg, networkCfg, httpPolicy, responsePolicy, retryPolicy)
	if err != nil {
		if isForeignKeyViolation(err) {
			return &openactmodel.ValidationError{Msg: fmt.Sprintf("action: connection_trn %q does not exist", action.ConnectionTRN)}
		}
		return &openactmodel.StorageError{Cause: fmt.Errorf("config store: put action: %w", err)}
	}
	return nil
}

func (s *PGConfigStore) DeleteAction(ctx context.Context, actionTRN string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM actions WHERE trn = $1`, actionTRN)
	if err != nil {
		return false, &openactmodel.StorageError{Cause: fmt.Errorf("config store: delete action: %w", err)}
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGConfigStore) ListActions(ctx context.Context) ([]*openactmodel.Action, error) {
	return s.queryActions(ctx, `
		SELECT trn, name, connection_trn, method, api_endpoint, headers, query_params, request_body,
			timeout_config, network_config, http_policy, response_policy, retry_policy
		FROM actions ORDER BY trn`)
}

func (s *PGConfigStore) ListActionsByConnection(ctx context.Context, connTRN string) ([]*openactmodel.Action, error) {
	return s.queryActions(ctx, `
		SELECT trn, name, connection_trn, method, api_endpoint, headers, query_params, request_body,
			timeout_config, network_config, http_policy, response_policy, retry_policy
		FROM actions WHERE connection_trn = $1 ORDER BY trn`, connTRN)
}

func (s *PGConfigStore) queryActions(ctx context.Context, query string, args ...any) ([]*openactmodel.Action, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: fmt.Errorf("config store: list actions: %w", err)}
	}
	defer rows.Close()
	var out []*openactmodel.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, &openactmodel.StorageError{Cause: err}
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

func scanAction(row pgx.Row) (*openactmodel.Action, error) {
	var action openactmodel.Action
	var headers, query, body, timeoutCfg, networkCfg, httpPolicy, responsePolicy, retryPolicy []byte
	err := row.Scan(&action.TRN, &action.Name, &action.ConnectionTRN, &action.Method, &action.APIEndpoint,
		&headers, &query, &body, &timeoutCfg, &networkCfg, &httpPolicy, &responsePolicy, &retryPolicy)
	if err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(headers, &action.Headers); err != nil {
		return nil, fmt.Errorf("decoding headers: %w", err)
	}
	if err := unmarshalIfPresent(query, &action.QueryParams); err != nil {
		return nil, fmt.Errorf("decoding query_params: %w", err)
	}
	if err := unmarshalIfPresent(body, &action.RequestBody); err != nil {
		return nil, fmt.Errorf("decoding request_body: %w", err)
	}
	if err := unmarshalIfPresent(timeoutCfg, &action.TimeoutConfig); err != nil {
		return nil, fmt.Errorf("decoding timeout_config: %w", err)
	}
	if err := unmarshalIfPresent(networkCfg, &action.NetworkConfig); err != nil {
		return nil, fmt.Errorf("decoding network_config: %w", err)
	}
	if len(httpPolicy) > 0 {
		if err := json.Unmarshal(httpPolicy, &action.HTTPPolicy); err != nil {
			return nil, fmt.Errorf("decoding http_policy: %w", err)
		}
	}
	if err := unmarshalIfPresent(responsePolicy, &action.ResponsePolicy); err != nil {
		return nil, fmt.Errorf("decoding response_policy: %w", err)
	}
	if len(retryPolicy) > 0 {
		if err := json.Unmarshal(retryPolicy, &action.RetryPolicy); err != nil {
			return nil, fmt.Errorf("decoding retry_policy: %w", err)
		}
	}
	return &action, nil
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23503"
	}
	return false
}
