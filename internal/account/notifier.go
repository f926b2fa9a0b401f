package account

import (
	"context"
	"log/slog"

	"github.com/hitoshi/authcore/internal/model"
)

// Notifier は有効化キーやリセットキーを利用者に届ける経路。
// メール送信などの実装は呼び出し側で差し替える。
type Notifier interface {
	SendActivation(ctx context.Context, account *model.Account)
	SendPasswordReset(ctx context.Context, account *model.Account)
	SendCreation(ctx context.Context, account *model.Account)
}

// LogNotifier はキーの発行をDEBUGログに出すだけのNotifier。開発環境用。
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// SendActivation は有効化キーの発行を記録する。
func (n LogNotifier) SendActivation(ctx context.Context, a *model.Account) {
	if a.ActivationKey == nil {
		return
	}
	n.logger().DebugContext(ctx, "activation key issued",
		slog.String("login", a.Login),
		slog.String("activation_key", *a.ActivationKey),
	)
}

// SendPasswordReset はリセットキーの発行を記録する。
func (n LogNotifier) SendPasswordReset(ctx context.Context, a *model.Account) {
	if a.ResetKey == nil {
		return
	}
	n.logger().DebugContext(ctx, "reset key issued",
		slog.String("login", a.Login),
		slog.String("reset_key", *a.ResetKey),
	)
}

// SendCreation は管理者によるアカウント作成を記録する。
func (n LogNotifier) SendCreation(ctx context.Context, a *model.Account) {
	n.SendPasswordReset(ctx, a)
}
