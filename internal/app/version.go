package app

// 构建时通过 -ldflags "-X evidence-vault/internal/app.Version=..." 注入。
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = ""
)
