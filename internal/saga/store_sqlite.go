package saga

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/nao1215/pushsaga/pkg/migration"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore はSQLiteに状態を保存するStore。
// 同じデータベースファイルを共有する複数プロセスの間でも比較交換が機能する。
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore はSQLiteデータベースを開き、マイグレーションを適用する。
// dsnに ":memory:" を指定するとインメモリデータベースを使う。
func OpenSQLiteStore(ctx context.Context, dsn string, log logx.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "SQLiteデータベースの接続に失敗")
	}
	if dsn == ":memory:" {
		// :memory: は接続ごとに別のDBになるため1接続に制限する
		db.SetMaxOpenConns(1)
	} else {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, errors.Wrapf(err, "%s の設定に失敗", pragma)
			}
		}
	}

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

const selectColumns = `correlation_id, phase, title, body, recipient_device_ids,
	retry_count, attempts, last_failure_reason, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(r rowScanner) (State, error) {
	var (
		s                    State
		id, phase, devices   string
		createdAt, updatedAt int64
	)
	if err := r.Scan(&id, &phase, &s.Title, &s.Body, &devices,
		&s.RetryCount, &s.Attempts, &s.LastFailureReason, &s.Version, &createdAt, &updatedAt); err != nil {
		return State{}, err
	}
	cid, err := uuid.Parse(id)
	if err != nil {
		return State{}, errors.Wrapf(err, "保存された相関IDが不正です: %q", id)
	}
	if err := json.Unmarshal([]byte(devices), &s.RecipientDeviceIDs); err != nil {
		return State{}, errors.Wrap(err, "配信先デバイスIDのデシリアライズに失敗")
	}
	s.CorrelationID = cid
	s.Phase = Phase(phase)
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	s.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return s, nil
}

// Get は相関IDに対応する状態を返す。
func (st *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (State, error) {
	row := st.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM sagas WHERE correlation_id = ?", id.String())
	s, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, errors.Wrap(err, "sagaの取得に失敗")
	}
	return s, nil
}

// Create は状態が存在しない場合にだけ保存する。
func (st *SQLiteStore) Create(ctx context.Context, s State) (State, error) {
	devices, err := json.Marshal(nonNil(s.RecipientDeviceIDs))
	if err != nil {
		return State{}, errors.Wrap(err, "配信先デバイスIDのシリアライズに失敗")
	}
	s = s.clone()
	s.Version = 1

	res, err := st.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sagas (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.CorrelationID.String(), string(s.Phase), s.Title, s.Body, string(devices),
		s.RetryCount, s.Attempts, s.LastFailureReason, s.Version,
		s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano())
	if err != nil {
		return State{}, errors.Wrap(err, "sagaの作成に失敗")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return State{}, errors.Wrap(err, "sagaの作成結果の取得に失敗")
	}
	if n == 0 {
		return State{}, ErrAlreadyExists
	}
	return s, nil
}

// CompareAndSwap はバージョンが一致する場合にだけ状態を置き換える。
func (st *SQLiteStore) CompareAndSwap(ctx context.Context, s State) (State, error) {
	devices, err := json.Marshal(nonNil(s.RecipientDeviceIDs))
	if err != nil {
		return State{}, errors.Wrap(err, "配信先デバイスIDのシリアライズに失敗")
	}
	expected := s.Version
	s = s.clone()
	s.Version = expected + 1

	res, err := st.db.ExecContext(ctx, `
		UPDATE sagas SET
			phase = ?, title = ?, body = ?, recipient_device_ids = ?,
			retry_count = ?, attempts = ?, last_failure_reason = ?,
			version = ?, updated_at = ?
		WHERE correlation_id = ? AND version = ?`,
		string(s.Phase), s.Title, s.Body, string(devices),
		s.RetryCount, s.Attempts, s.LastFailureReason,
		s.Version, s.UpdatedAt.UnixNano(),
		s.CorrelationID.String(), expected)
	if err != nil {
		return State{}, errors.Wrap(err, "sagaの更新に失敗")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return State{}, errors.Wrap(err, "sagaの更新結果の取得に失敗")
	}
	if n == 0 {
		if _, err := st.Get(ctx, s.CorrelationID); err != nil {
			return State{}, err
		}
		return State{}, ErrConflict
	}
	return s, nil
}

// List は指定した段階のSagaを作成日時順に返す。
func (st *SQLiteStore) List(ctx context.Context, phase Phase) ([]State, error) {
	query := "SELECT " + selectColumns + " FROM sagas"
	var args []any
	if phase != "" {
		query += " WHERE phase = ?"
		args = append(args, string(phase))
	}
	query += " ORDER BY created_at, correlation_id"

	rows, err := st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "saga一覧の取得に失敗")
	}
	defer func() { _ = rows.Close() }()

	out := []State{}
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, errors.Wrap(err, "saga一覧の読み込みに失敗")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "saga一覧の読み込みに失敗")
}

// PruneTerminal はbefore以前に更新された終端状態のSagaを削除する。
func (st *SQLiteStore) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := st.db.ExecContext(ctx,
		"DELETE FROM sagas WHERE phase IN (?, ?) AND updated_at <= ?",
		string(PhaseCompleted), string(PhaseFailed), before.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "終端sagaの削除に失敗")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "終端sagaの削除結果の取得に失敗")
	}
	return int(n), nil
}

// Close はデータベース接続を閉じる。
func (st *SQLiteStore) Close() error {
	return st.db.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
