package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound は指定した相関IDのSagaが存在しないことを表す。
	ErrNotFound = errors.New("sagaが見つかりません")
	// ErrAlreadyExists は同じ相関IDのSagaが既に存在することを表す。
	ErrAlreadyExists = errors.New("sagaは既に存在します")
	// ErrConflict は比較交換で保存済みのバージョンが一致しなかったことを表す。
	ErrConflict = errors.New("sagaのバージョンが競合しました")
)

// Store はSaga状態の保存先。
// 実装は相関IDごとの作成と比較交換を原子的に行う必要がある。
type Store interface {
	// Get は相関IDに対応する状態を返す。存在しない場合はErrNotFound。
	Get(ctx context.Context, id uuid.UUID) (State, error)
	// Create は状態が存在しない場合にだけ保存する。存在する場合はErrAlreadyExists。
	// 保存された状態（Version=1）を返す。
	Create(ctx context.Context, s State) (State, error)
	// CompareAndSwap は保存済みのバージョンがs.Versionと一致する場合にだけ置き換える。
	// 一致しない場合はErrConflict。バージョンを1つ進めた状態を返す。
	CompareAndSwap(ctx context.Context, s State) (State, error)
	// List は指定した段階のSagaを作成日時順に返す。空文字はすべての段階を表す。
	List(ctx context.Context, phase Phase) ([]State, error)
	// PruneTerminal はbefore以前に更新された終端状態のSagaを削除し、削除数を返す。
	PruneTerminal(ctx context.Context, before time.Time) (int, error)
	// Close はストアが保持するリソースを解放する。
	Close() error
}
