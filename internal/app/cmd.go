package app

import "strings"

// Command はバイナリのサブコマンド。
type Command string

const (
	// CommandServe は認可フロー、セッション、メール送信のAPIサーバーを起動する（既定）。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションと未使用のハンドオフコードを定期的に消去する。
	CommandWorker Command = "worker"
	// CommandMigrate は delegated_tokens と sessions のスキーマを適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中サーバーの /health を確認して終了する。
	// 設定を読み込まないため、distrolessイメージの HEALTHCHECK から呼べる。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は最初の引数をサブコマンドとして解釈する。
// 大文字小文字と前後の空白は区別しない。引数がない場合や未知の名前は CommandServe とする。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[strings.ToLower(strings.TrimSpace(args[0]))]; ok {
		return cmd
	}
	return CommandServe
}
