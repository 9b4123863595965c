package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/drshumard/Larynx/internal/core/job"
)

// JobSubmitAction はテキストを音声化ジョブとして登録する
func (a *App) JobSubmitAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.String("name")
	text, err := readText(cmd)
	if err != nil {
		return err
	}

	appCtx, err := newAppContext(ctx, cmd.String("env"), false, a.opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	j, err := appCtx.Container.Service.Submit(ctx, name, text)
	if err != nil {
		return fmt.Errorf("ジョブの登録に失敗: %w", err)
	}

	slog.Info("ジョブを登録しました", "jobID", j.ID, "textLength", j.TextLength)
	fmt.Fprintln(stdout(cmd), j.ID.String())
	return nil
}

// readText は --text か --file (- は標準入力) から入力テキストを読む
func readText(cmd *cli.Command) (string, error) {
	text := cmd.String("text")
	path := cmd.String("file")

	switch {
	case text != "" && path != "":
		return "", errors.New("--text and --file are mutually exclusive")
	case text != "":
		return text, nil
	case path == "-":
		b, err := io.ReadAll(cmd.Root().Reader)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(b), nil
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		return string(b), nil
	default:
		return "", errors.New("either --text or --file is required")
	}
}

// JobStatusAction はジョブの状態を JSON で表示する
func (a *App) JobStatusAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := newAppContext(ctx, cmd.String("env"), false, a.opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	j, err := appCtx.Container.Service.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("ジョブの取得に失敗: %w", err)
	}

	enc := json.NewEncoder(stdout(cmd))
	enc.SetIndent("", "  ")
	return enc.Encode(j.View())
}

// JobListAction は新しい順にジョブ一覧を表示する
func (a *App) JobListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := newAppContext(ctx, cmd.String("env"), false, a.opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	page, err := appCtx.Container.Service.List(ctx, cmd.Int("limit"), cmd.Int("offset"))
	if err != nil {
		return fmt.Errorf("ジョブ一覧の取得に失敗: %w", err)
	}

	out := stdout(cmd)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tSTAGE\tCREATED")
	for _, j := range page.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			j.ID, j.Name, j.Status, j.ProgressPercent, j.Stage, j.CreatedAt.Local().Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	switch {
	case len(page.Jobs) == 0:
		fmt.Fprintf(out, "no jobs at offset %d (total %d)\n", page.Offset, page.Total)
	default:
		fmt.Fprintf(out, "showing %d-%d of %d\n", page.Offset+1, page.Offset+len(page.Jobs), page.Total)
	}
	return nil
}

// JobCancelAction は処理中または待機中のジョブにキャンセルを要求する
func (a *App) JobCancelAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := newAppContext(ctx, cmd.String("env"), false, a.opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Service.Cancel(ctx, id); err != nil {
		return fmt.Errorf("キャンセルに失敗: %w", err)
	}
	return nil
}

// JobDeleteAction は終端状態のジョブと音声ファイルを削除する
func (a *App) JobDeleteAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := newAppContext(ctx, cmd.String("env"), false, a.opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Service.Delete(ctx, id); err != nil {
		return fmt.Errorf("削除に失敗: %w", err)
	}
	return nil
}

// JobDownloadAction は完了ジョブの音声ファイルを書き出す
// --out を省略した場合はジョブ名から生成したファイル名をカレントディレクトリに作る。
func (a *App) JobDownloadAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := newAppContext(ctx, cmd.String("env"), false, a.opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	art, j, err := appCtx.Container.Service.OpenArtifact(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrArtifactNotReady) && j != nil {
			return fmt.Errorf("%w: job %s is %s", err, id, j.Status)
		}
		return err
	}
	defer art.Close()

	out := cmd.String("out")
	if out == "" {
		out = job.DownloadFilename(j.Name)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	n, err := io.Copy(f, art)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	slog.Info("音声ファイルを書き出しました", "jobID", id, "path", out, "bytes", n)
	return nil
}
