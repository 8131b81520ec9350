// Package logger はseatwatchの各プロセス（APIサーバ・ポーラー・
// ディスパッチャ）で共用するslogロガーの構成を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Setup はJSON構造化ログを書き出すslog.Loggerを生成する。
// wがnilの場合は標準出力に書き出す。1行1JSONで収集基盤での
// フィールド抽出を前提とし、レベルはInfo固定とする。
// ポーリングの詳細はログではなくメトリクスで追う方針のため、
// Debugレベルの切り替えは持たない。
func Setup(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(handler)
}

// SetupDefault はグローバルロガーをJSON構造化ログに設定する。
// プロセス起動時に1回だけ呼ぶ。
func SetupDefault(w io.Writer) {
	slog.SetDefault(Setup(w))
}
