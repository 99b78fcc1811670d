package protocol

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/pbwturn/internal/browser"
	"github.com/msageha/pbwturn/internal/confirm"
	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/stager"
)

// HostDownload fetches every turn file of the game, optionally deletes them
// from the site, and files them under Turns/Turn_<n>.
func (p *Protocol) HostDownload(ctx context.Context, gameID string) (Result, error) {
	g, err := p.start(gameID, "host download")
	if err != nil {
		return Result{}, err
	}

	if err := p.to(model.StateDiscovering); err != nil {
		return Result{}, p.fail(err)
	}
	p.ok("Scraping and identifying downloadable files...")
	files, err := p.session.ListDownloadables(ctx, g.DocumentURL)
	if err != nil {
		return Result{}, p.fail(err)
	}
	if len(files) == 0 {
		p.warn("No downloadable files found.")
		return p.done(Result{Outcome: model.OutcomeNothingToDo})
	}

	if p.confirmDownload {
		if err := p.to(model.StateAwaitingDownloadConfirm); err != nil {
			return Result{}, p.fail(err)
		}
		yes, err := p.ask(ctx, confirm.KindDownload, g, fmt.Sprintf("Download %d files for %s?", len(files), g.Name()), fileTexts(files))
		if err != nil {
			return Result{}, p.fail(err)
		}
		if !yes {
			p.ok("Download cancelled by user.")
			return p.done(Result{Outcome: model.OutcomeCancelled})
		}
	}

	if err := p.to(model.StateDownloading); err != nil {
		return Result{}, p.fail(err)
	}
	var (
		downloaded []string
		turn       int
		haveTurn   bool
	)
	for _, f := range files {
		p.ok("Downloading %s (%s)...", f.FileName, f.Text)
		path, err := p.session.Download(ctx, f, g.SaveFolder)
		if err != nil {
			return Result{Files: downloaded}, p.fail(err)
		}
		downloaded = append(downloaded, path)
		if !haveTurn && strings.HasSuffix(strings.ToLower(f.FileName), stager.ArchiveExt) {
			turn, haveTurn = stager.ExtractTurnNumber(f.FileName)
		}
	}
	if !haveTurn {
		p.warn("Could not extract turn number from .zip filename.")
		return Result{Files: downloaded}, p.fail(fmt.Errorf("%w: no downloaded archive carries a turn number", model.ErrDownload))
	}

	if err := p.to(model.StateAwaitingDeleteConfirm); err != nil {
		return Result{}, p.fail(err)
	}
	yes, err := p.ask(ctx, confirm.KindDelete, g, fmt.Sprintf("Delete %d files of turn %d from the site?", len(files), turn), fileTexts(files))
	if err != nil {
		return Result{Turn: turn, Files: downloaded}, p.fail(err)
	}
	if yes {
		if err := p.to(model.StateDeleting); err != nil {
			return Result{}, p.fail(err)
		}
		p.ok("Attempting to delete files from the server...")
		n, err := p.deleteAll(ctx, g.DocumentURL)
		if err != nil {
			return Result{Turn: turn, Files: downloaded}, p.fail(err)
		}
		p.ok("All deletions completed (%d).", n)
	} else {
		p.ok("User declined to delete files from the server.")
	}

	if err := p.to(model.StateStaging); err != nil {
		return Result{}, p.fail(err)
	}
	folder := stager.TurnFolder(g.SaveFolder, turn)
	moved, err := p.stage.Relocate(downloaded, folder)
	if err != nil {
		return Result{Turn: turn, Files: downloaded}, p.fail(fmt.Errorf("%w: %v", model.ErrArchive, err))
	}
	p.ok("Saved turn files to: %s", folder)
	if _, err := p.stage.PromotePlayerFiles(folder, g.SaveFolder); err != nil {
		return Result{Turn: turn, Files: moved.Moved}, p.fail(fmt.Errorf("%w: %v", model.ErrArchive, err))
	}

	p.ok("Host download complete for turn %d.", turn)
	return p.done(Result{Outcome: model.OutcomeCompleted, Turn: turn, Files: moved.Moved})
}

// deleteAll activates delete controls until the page offers none.
func (p *Protocol) deleteAll(ctx context.Context, pageURL string) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, fmt.Errorf("%w: %v", model.ErrDelete, err)
		}
		acted, err := p.session.DeleteNext(ctx, pageURL)
		if err != nil {
			return n, err
		}
		if !acted {
			break
		}
		n++
		p.log.Debug().Int("deleted", n).Msg("delete control activated")
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: the page offered no delete control", model.ErrDelete)
	}
	return n, nil
}

// HostUpload archives the save folder as the turn after current, publishes
// it, advances the stored turn and offers to upload the host's own player
// file. A non-positive current means the stored turn.
func (p *Protocol) HostUpload(ctx context.Context, gameID string, current int) (Result, error) {
	g, err := p.start(gameID, "host upload")
	if err != nil {
		return Result{}, err
	}
	if current <= 0 {
		current = g.CurrentTurn()
	}
	next := current + 1
	archive := filepath.Join(g.SaveFolder, stager.ArchiveName(g.Naming.ArchivePrefix, next))

	if err := p.to(model.StateAwaitingUploadConfirm); err != nil {
		return Result{}, p.fail(err)
	}
	yes, err := p.ask(ctx, confirm.KindUpload, g, fmt.Sprintf("Upload turn %d of %s?", next, g.Name()), []string{filepath.Base(archive)})
	if err != nil {
		return Result{}, p.fail(err)
	}
	if !yes {
		p.ok("Upload cancelled by user.")
		return p.done(Result{Outcome: model.OutcomeCancelled})
	}

	if err := p.to(model.StateArchiving); err != nil {
		return Result{}, p.fail(err)
	}
	added, err := stager.BuildArchive(g.SaveFolder, nil, archive)
	if err != nil {
		return Result{}, p.fail(err)
	}
	if len(added) == 0 {
		_ = os.Remove(archive)
		return Result{}, p.fail(fmt.Errorf("%w: nothing to archive in %s", model.ErrArchive, g.SaveFolder))
	}
	p.ok("Created ZIP file: %s", archive)

	if err := p.to(model.StateUploading); err != nil {
		return Result{}, p.fail(err)
	}
	p.ok("Uploading ZIP...")
	err = p.session.UploadFile(ctx, g.DocumentURL, browser.Upload{
		Path:        archive,
		DisplayName: fmt.Sprintf("%s Turn %d", g.Naming.UploadDisplayName, next),
		CategoryID:  browser.GameTurnCategoryID,
		NewCategory: browser.GameTurnCategory,
		Featured:    true,
	})
	if err != nil {
		return Result{Turn: next}, p.fail(err)
	}
	p.ok("Upload completed.")
	for _, old := range p.stage.PruneArchives(g.SaveFolder, g.Naming.ArchivePrefix, next) {
		p.ok("Removed previous turn file: %s", filepath.Base(old))
	}
	if err := p.commitTurn(g, TurnAfterUpload(g.Role, current)); err != nil {
		return Result{Turn: next}, p.fail(err)
	}

	if err := p.to(model.StateAwaitingPlayerUploadConfirm); err != nil {
		return Result{}, p.fail(err)
	}
	res := Result{Outcome: model.OutcomeCompleted, Turn: next, Files: []string{archive}}
	plr, found, err := stager.FindPlayerFile(g.SaveFolder)
	if err != nil {
		return res, p.fail(fmt.Errorf("%w: %v", model.ErrUpload, err))
	}
	if !found {
		p.warn("No .plr file found in savegame folder.")
		p.ok("Host upload complete for turn %d.", next)
		return p.done(res)
	}
	yes, err = p.ask(ctx, confirm.KindPlayerUpload, g, fmt.Sprintf("Upload your player file for turn %d?", current), []string{filepath.Base(plr)})
	if err != nil {
		return res, p.fail(err)
	}
	if !yes {
		p.ok("Player file upload cancelled by user.")
		res.Message = "player file not uploaded"
		return p.done(res)
	}

	if err := p.uploadPlayerFile(ctx, g, plr, current); err != nil {
		return res, p.fail(err)
	}
	res.Files = append(res.Files, plr)
	p.ok("Host upload complete for turn %d.", next)
	return p.done(res)
}

func (p *Protocol) uploadPlayerFile(ctx context.Context, g model.GameConfig, plr string, turn int) error {
	if err := p.to(model.StateUploadingPlayerFile); err != nil {
		return err
	}
	p.ok("Uploading .plr file...")
	err := p.session.UploadFile(ctx, g.DocumentURL, browser.Upload{
		Path:        plr,
		DisplayName: PlayerDisplayName(g, turn),
		CategoryID:  browser.PlayerFileCategoryID,
		NewCategory: browser.PlayerFileCategory,
	})
	if err != nil {
		return err
	}
	p.ok("Upload complete.")
	return nil
}

// PlayerDisplayName joins the player template and the turn with no separator
// of its own; the template carries any trailing space.
func PlayerDisplayName(g model.GameConfig, turn int) string {
	tmpl := g.Naming.PlayerUploadDisplayName
	if tmpl == "" {
		tmpl = model.DefaultPlayerUploadDisplayName
	}
	return fmt.Sprintf("%s%d", tmpl, turn)
}

func fileTexts(files []model.Downloadable) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Text
		if out[i] == "" {
			out[i] = f.FileName
		}
	}
	return out
}
