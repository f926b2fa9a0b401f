package app

import (
	"io"

	"github.com/urfave/cli/v2"
)

// 起動モード（サブコマンド名）。
const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe = "serve"
	// CommandWorker は定期削除ジョブのワーカーモードで起動することを示す。
	CommandWorker = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate = "migrate"
	// CommandSweep は定期削除ジョブを即時に1回実行することを示す。
	CommandSweep = "sweep"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck = "healthcheck"
)

// NewCLI はサブコマンドを定義したCLIアプリケーションを返す。
// サブコマンドを省略した場合は serve として動作する。
// w はログの出力先。
func NewCLI(w io.Writer) *cli.App {
	serve := func(c *cli.Context) error {
		cfg, err := Init(w, c.String("config"))
		if err != nil {
			return err
		}
		return runServe(c.Context, cfg)
	}

	return &cli.App{
		Name:  "authcore",
		Usage: "session token and credential lifecycle service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file (environment variables take precedence)",
				EnvVars: []string{"CONFIG_FILE"},
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   CommandServe,
				Usage:  "start the API server",
				Action: serve,
			},
			{
				Name:  CommandWorker,
				Usage: "run the scheduled sweeps",
				Action: func(c *cli.Context) error {
					cfg, err := Init(w, c.String("config"))
					if err != nil {
						return err
					}
					return runWorker(c.Context, cfg)
				},
			},
			{
				Name:  CommandMigrate,
				Usage: "apply database migrations",
				Action: func(c *cli.Context) error {
					cfg, err := Init(w, c.String("config"))
					if err != nil {
						return err
					}
					return runMigrate(cfg)
				},
			},
			{
				Name:  CommandSweep,
				Usage: "run the sweeps once and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "job",
						Usage: "unactivated_accounts or audit_records (default: both)",
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := Init(w, c.String("config"))
					if err != nil {
						return err
					}
					return runSweep(c.Context, cfg, c.String("job"))
				},
			},
			{
				// 軽量サブコマンドのため、設定の読み込みをスキップする
				Name:  CommandHealthcheck,
				Usage: "probe the local /health endpoint",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "port",
						Usage: "server port",
						Value: healthcheckPort(),
					},
				},
				Action: func(c *cli.Context) error {
					return runHealthcheck(c.String("port"))
				},
			},
		},
	}
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	return NewCLI(w).Run(append([]string{"authcore"}, args...))
}
