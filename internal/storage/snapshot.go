package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/laptopinv/internal/model"
)

// LoadProfile は永続化されたユーザースナップショットを読み込む。
// 未保存またはJSONとして壊れている場合はnilを返す（壊れたキャッシュは未保存と同じ扱い）。
func LoadProfile(ctx context.Context, l Local) (*model.Profile, error) {
	raw, ok, err := l.Get(ctx, KeyUser)
	if err != nil {
		return nil, fmt.Errorf("failed to read user snapshot: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var p model.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, nil
	}
	p.Role = model.ParseRole(string(p.Role))
	return &p, nil
}

// SaveProfile はisLoggedInフラグとユーザースナップショットを一括で書き込む。
// 二つのキーは常に同時に更新され、読み手が片方だけ更新された状態を観測することはない。
func SaveProfile(ctx context.Context, l Local, p model.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode user snapshot: %w", err)
	}
	if err := l.SetMany(ctx, map[string]string{
		KeyLoggedIn: "true",
		KeyUser:     string(data),
	}); err != nil {
		return fmt.Errorf("failed to write user snapshot: %w", err)
	}
	return nil
}

// ClearProfile はisLoggedInフラグとユーザースナップショットを削除する。
func ClearProfile(ctx context.Context, l Local) error {
	if err := l.Remove(ctx, KeyLoggedIn, KeyUser); err != nil {
		return fmt.Errorf("failed to clear user snapshot: %w", err)
	}
	return nil
}
