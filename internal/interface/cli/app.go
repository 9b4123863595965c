package cli

import (
	"github.com/urfave/cli/v3"

	"github.com/drshumard/Larynx/internal/core/pipeline"
	"github.com/drshumard/Larynx/internal/platform/container"
)

// App はコマンドツリーとコンテナ構築時のオプションを保持する
type App struct {
	opts []container.ContainerOption
}

// NewApp はルートコマンドを組み立てる
// opts はすべてのコマンドのコンテナ構築に渡される (テストでのプロバイダ差し替え用)。
func NewApp(opts ...container.ContainerOption) *cli.Command {
	a := &App{opts: opts}

	return &cli.Command{
		Name:  "larynx",
		Usage: "長文テキストを分割して音声合成し、1つのMP3に結合するジョブ基盤",
		Commands: []*cli.Command{
			{
				Name:  "worker",
				Usage: "ワーカー関連コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "ワーカープールと定期処理を起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.BoolFlag{
								Name:  "migrate",
								Usage: "起動前にスキーマを適用",
							},
						},
						Action: a.WorkerStartAction,
					},
				},
			},
			{
				Name:  "job",
				Usage: "ジョブ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "submit",
						Usage: "テキストを音声化ジョブとして登録",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "name",
								Usage:    "ジョブ名",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "text",
								Usage: "入力テキスト",
							},
							&cli.StringFlag{
								Name:  "file",
								Usage: "入力テキストファイル（- で標準入力）",
							},
						},
						Action: a.JobSubmitAction,
					},
					{
						Name:   "status",
						Usage:  "ジョブの状態を表示",
						Flags:  []cli.Flag{envFlag(), idFlag()},
						Action: a.JobStatusAction,
					},
					{
						Name:  "list",
						Usage: "ジョブ一覧を表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "limit",
								Usage: "表示件数",
								Value: pipeline.DefaultListLimit,
							},
							&cli.IntFlag{
								Name:  "offset",
								Usage: "先頭から飛ばす件数",
							},
						},
						Action: a.JobListAction,
					},
					{
						Name:   "cancel",
						Usage:  "ジョブにキャンセルを要求",
						Flags:  []cli.Flag{envFlag(), idFlag()},
						Action: a.JobCancelAction,
					},
					{
						Name:   "delete",
						Usage:  "終端状態のジョブと音声ファイルを削除",
						Flags:  []cli.Flag{envFlag(), idFlag()},
						Action: a.JobDeleteAction,
					},
					{
						Name:  "download",
						Usage: "完了ジョブの音声ファイルを書き出す",
						Flags: []cli.Flag{
							envFlag(),
							idFlag(),
							&cli.StringFlag{
								Name:  "out",
								Usage: "出力ファイルパス（省略時はジョブ名から生成）",
							},
						},
						Action: a.JobDownloadAction,
					},
				},
			},
			{
				Name:   "sweep",
				Usage:  "停止したジョブを検出して失敗にする",
				Flags:  []cli.Flag{envFlag()},
				Action: a.SweepAction,
			},
			{
				Name:   "cleanup",
				Usage:  "保持期間を過ぎた終端ジョブを削除",
				Flags:  []cli.Flag{envFlag()},
				Action: a.CleanupAction,
			},
			{
				Name:   "migrate",
				Usage:  "ジョブストアのスキーマを適用",
				Flags:  []cli.Flag{envFlag()},
				Action: a.MigrateAction,
			},
		},
	}
}
