package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は通知プルAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandPoller はSOCポーリングワーカーモードで起動することを示す。
	CommandPoller Command = "poller"
	// CommandMailDispatcher はメール配信ワーカーモードで起動することを示す。
	CommandMailDispatcher Command = "mail-dispatcher"
	// CommandChatDispatcher はチャット配信ワーカーモードで起動することを示す。
	CommandChatDispatcher Command = "chat-dispatcher"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "poller":
		return CommandPoller
	case "mail-dispatcher":
		return CommandMailDispatcher
	case "chat-dispatcher":
		return CommandChatDispatcher
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
