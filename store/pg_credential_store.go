package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/openact/openactmodel"
	"github.com/GoCodeAlone/openact/pkg/fieldcrypt"
)

// PGCredentialStore is a CredentialStore backed by PostgreSQL, for
// deployments that need the records to survive a process restart. Field encryption happens in Go before the row is written; the
// column itself only ever holds ciphertext (or the dev-mode base64
// fallback), so a DB dump alone never discloses a token.
type PGCredentialStore struct {
	pool   *pgxpool.Pool
	cipher *fieldCipher
}

// NewPGCredentialStore connects to PostgreSQL and returns a store over the
// "credentials" table (see CredentialSchema for its DDL).
func NewPGCredentialStore(ctx context.Context, url string, ring fieldcrypt.KeyRing, tenant string) (*PGCredentialStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("credential store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("credential store: ping: %w", err)
	}
	return &PGCredentialStore{pool: pool, cipher: newFieldCipher(ring, tenant, nil)}, nil
}

// Close releases the underlying connection pool.
func (s *PGCredentialStore) Close() { s.pool.Close() }

// CredentialSchema is the DDL PGCredentialStore expects. Callers run
// migrations themselves; this is documentation, not applied automatically.
const CredentialSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	trn           TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at    TIMESTAMPTZ,
	token_type    TEXT NOT NULL DEFAULT '',
	scope         TEXT NOT NULL DEFAULT '',
	extra         JSONB,
	version       INT NOT NULL DEFAULT 1,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type credentialRow struct {
	trn          string
	accessToken  string
	refreshToken string
	expiresAt    *time.Time
	tokenType    string
	scope        string
	extra        []byte
	version      int
	createdAt    time.Time
	updatedAt    time.Time
}

func scanCredentialRow(row pgx.Row) (*credentialRow, error) {
	var r credentialRow
	err := row.Scan(&r.trn, &r.accessToken, &r.refreshToken, &r.expiresAt, &r.tokenType,
		&r.scope, &r.extra, &r.version, &r.createdAt, &r.updatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PGCredentialStore) decodeRow(ctx context.Context, r *credentialRow) (*openactmodel.AuthRecord, error) {
	enc := &openactmodel.AuthRecord{
		TRN:          r.trn,
		AccessToken:  r.accessToken,
		RefreshToken: r.refreshToken,
		ExpiresAt:    r.expiresAt,
		TokenType:    r.tokenType,
		Scope:        r.scope,
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
	}
	if len(r.extra) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(r.extra, &extra); err != nil {
			return nil, &openactmodel.CorruptionError{Ref: r.trn, Cause: fmt.Errorf("decoding extra column: %w", err)}
		}
		enc.Extra = extra
	}
	return s.cipher.decryptRecord(ctx, enc)
}

func (s *PGCredentialStore) Get(ctx context.Context, authTRN string) (*openactmodel.AuthRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT trn, access_token, refresh_token, expires_at, token_type, scope, extra, version, created_at, updated_at FROM credentials WHERE trn = $1`, authTRN)
	r, err := scanCredentialRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: get: %w", err)}
	}
	return s.decodeRow(ctx, r)
}

func (s *PGCredentialStore) Put(ctx context.Context, authTRN string, rec *openactmodel.AuthRecord) error {
	enc, err := s.cipher.encryptRecord(ctx, rec)
	if err != nil {
		return err
	}
	extraJSON, err := marshalExtra(enc.Extra)
	if err != nil {
		return &openactmodel.ValidationError{Msg: fmt.Sprintf("credential store: %v", err)}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO credentials (trn, access_token, refresh_token, expires_at, token_type, scope, extra, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,1,now(),now())
		ON CONFLICT (trn) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			token_type = EXCLUDED.token_type,
			scope = EXCLUDED.scope,
			extra = EXCLUDED.extra,
			version = credentials.version + 1,
			updated_at = now()`,
		authTRN, enc.AccessToken, enc.RefreshToken, enc.ExpiresAt, enc.TokenType, enc.Scope, extraJSON)
	if err != nil {
		return &openactmodel.StorageError{Cause: fmt.Errorf("credential store: put: %w", err)}
	}
	return nil
}

func (s *PGCredentialStore) Delete(ctx context.Context, authTRN string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE trn = $1`, authTRN)
	if err != nil {
		return false, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: delete: %w", err)}
	}
	return tag.RowsAffected() > 0, nil
}

// CompareAndSwap reads the row and its version number inside a transaction,
// compares the decrypted record against expected, and if equal issues an
// UPDATE guarded by "WHERE version = $read_version" so a concurrent writer
// that commits in between causes the UPDATE to affect zero rows and the
// whole operation to report false rather than clobber the interleaved write.
func (s *PGCredentialStore) CompareAndSwap(ctx context.Context, authTRN string, expected, updated *openactmodel.AuthRecord) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: begin: %w", err)}
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT trn, access_token, refresh_token, expires_at, token_type, scope, extra, version, created_at, updated_at FROM credentials WHERE trn = $1 FOR UPDATE`, authTRN)
	r, err := scanCredentialRow(row)
	var current *openactmodel.AuthRecord
	readVersion := 0
	if err == nil {
		readVersion = r.version
		current, err = s.decodeRow(ctx, r)
		if err != nil {
			return false, err
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return false, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: cas read: %w", err)}
	}

	if !recordsEqual(current, expected) {
		return false, nil
	}

	if updated == nil {
		tag, err := tx.Exec(ctx, `DELETE FROM credentials WHERE trn = $1 AND version = $2`, authTRN, readVersion)
		if err != nil {
			return false, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: cas delete: %w", err)}
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
		return true, tx.Commit(ctx)
	}

	enc, err := s.cipher.encryptRecord(ctx, updated)
	if err != nil {
		return false, err
	}
	extraJSON, err := marshalExtra(enc.Extra)
	if err != nil {
		return false, &openactmodel.ValidationError{Msg: fmt.Sprintf("credential store: %v", err)}
	}

	if current == nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO credentials (trn, access_token, refresh_token, expires_at, token_type, scope, extra, version, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,1,now(),now())`,
			authTRN, enc.AccessToken, enc.RefreshToken, enc.ExpiresAt, enc.TokenType, enc.Scope, extraJSON)
		if err != nil {
			return false, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: cas insert: %w", err)}
		}
		return true, tx.Commit(ctx)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE credentials SET access_token=$2, refresh_token=$3, expires_at=$4, token_type=$5,
			scope=$6, extra=$7, version=version+1, updated_at=now()
		WHERE trn = $1 AND version = $8`,
		authTRN, enc.AccessToken, enc.RefreshToken, enc.ExpiresAt, enc.TokenType, enc.Scope, extraJSON, readVersion)
	if err != nil {
		return false, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: cas update: %w", err)}
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	return true, tx.Commit(ctx)
}

func (s *PGCredentialStore) ListRefs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT trn FROM credentials`)
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

func (s *PGCredentialStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM credentials`).Scan(&n); err != nil {
		return 0, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: count: %w", err)}
	}
	return n, nil
}

func (s *PGCredentialStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, &openactmodel.StorageError{Cause: fmt.Errorf("credential store: cleanup: %w", err)}
	}
	return int(tag.RowsAffected()), nil
}

func marshalExtra(extra map[string]any) ([]byte, error) {
	if extra == nil {
		return nil, nil
	}
	return json.Marshal(extra)
}
