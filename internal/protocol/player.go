package protocol

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/msageha/pbwturn/internal/confirm"
	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/stager"
)

// PlayerDownload fetches the current turn archive and unpacks it into the
// save folder.
func (p *Protocol) PlayerDownload(ctx context.Context, gameID string) (Result, error) {
	g, err := p.start(gameID, "player download")
	if err != nil {
		return Result{}, err
	}

	if err := p.to(model.StateDiscovering); err != nil {
		return Result{}, p.fail(err)
	}
	p.ok("Looking for the turn archive...")
	files, err := p.session.ListDownloadables(ctx, g.DocumentURL)
	if err != nil {
		return Result{}, p.fail(err)
	}
	var archive *model.Downloadable
	for i := range files {
		if filepath.Ext(strings.ToLower(files[i].FileName)) == stager.ArchiveExt {
			archive = &files[i]
			break
		}
	}
	if archive == nil {
		p.warn("No .zip file found to download.")
		return p.done(Result{Outcome: model.OutcomeNothingToDo})
	}
	turn, haveTurn := stager.ExtractTurnNumber(archive.FileName)

	if p.confirmDownload {
		if err := p.to(model.StateAwaitingDownloadConfirm); err != nil {
			return Result{}, p.fail(err)
		}
		yes, err := p.ask(ctx, confirm.KindDownload, g, fmt.Sprintf("Download %s for %s?", archive.FileName, g.Name()), []string{archive.FileName})
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
	p.ok("Downloading %s...", archive.FileName)
	path, err := p.session.Download(ctx, *archive, g.SaveFolder)
	if err != nil {
		return Result{}, p.fail(err)
	}
	if !haveTurn {
		p.warn("Could not extract turn number from .zip filename.")
		return Result{Files: []string{path}}, p.fail(fmt.Errorf("%w: %s carries no turn number", model.ErrDownload, archive.FileName))
	}

	if err := p.to(model.StateStaging); err != nil {
		return Result{}, p.fail(err)
	}
	extracted, err := stager.ExtractArchive(path, g.SaveFolder)
	if err != nil {
		return Result{Turn: turn, Files: []string{path}}, p.fail(fmt.Errorf("%w: %v", model.ErrArchive, err))
	}
	p.ok("Extracted %d files into %s", len(extracted), g.SaveFolder)
	for _, old := range p.stage.PruneArchives(g.SaveFolder, g.Naming.ArchivePrefix, turn) {
		p.ok("Removed previous turn file: %s", filepath.Base(old))
	}

	p.ok("Player download complete for turn %d.", turn)
	return p.done(Result{Outcome: model.OutcomeCompleted, Turn: turn, Files: append([]string{path}, extracted...)})
}

// PlayerUpload publishes the player's result file. The turn it is labelled
// with is turnHint when positive, else the stored turn, else the turn of the
// newest archive in the save folder.
func (p *Protocol) PlayerUpload(ctx context.Context, gameID string, turnHint int) (Result, error) {
	g, err := p.start(gameID, "player upload")
	if err != nil {
		return Result{}, err
	}

	plr, found, err := stager.FindPlayerFile(g.SaveFolder)
	if err != nil {
		return Result{}, p.fail(fmt.Errorf("%w: %v", model.ErrUpload, err))
	}
	if !found {
		p.warn("No .plr file found in savegame folder.")
		return p.done(Result{Outcome: model.OutcomeNothingToDo})
	}

	turn, err := p.playerTurn(g, turnHint)
	if err != nil {
		return Result{}, p.fail(err)
	}

	if err := p.to(model.StateAwaitingPlayerUploadConfirm); err != nil {
		return Result{}, p.fail(err)
	}
	yes, err := p.ask(ctx, confirm.KindPlayerUpload, g, fmt.Sprintf("Upload your player file for turn %d of %s?", turn, g.Name()), []string{filepath.Base(plr)})
	if err != nil {
		return Result{}, p.fail(err)
	}
	if !yes {
		p.ok("Upload cancelled by user.")
		return p.done(Result{Outcome: model.OutcomeCancelled, Turn: turn})
	}

	if err := p.uploadPlayerFile(ctx, g, plr, turn); err != nil {
		return Result{Turn: turn}, p.fail(err)
	}

	if g.Role == model.RoleHost {
		p.log.Debug().Str("game", g.ID).Msg("host role: player upload does not advance the turn")
	} else if next := TurnAfterUpload(g.Role, turn); !g.HasTurn() || next > g.CurrentTurn() {
		if err := p.commitTurn(g, next); err != nil {
			return Result{Turn: turn}, p.fail(err)
		}
	} else {
		p.log.Info().Str("game", g.ID).Int("stored", g.CurrentTurn()).Int("uploaded", turn).
			Msg("stored turn already ahead, not advanced")
	}

	p.ok("Player upload complete for turn %d.", turn)
	return p.done(Result{Outcome: model.OutcomeCompleted, Turn: turn, Files: []string{plr}})
}

func (p *Protocol) playerTurn(g model.GameConfig, hint int) (int, error) {
	if hint > 0 {
		return hint, nil
	}
	if g.HasTurn() {
		return g.CurrentTurn(), nil
	}
	n, ok, err := stager.LatestArchiveTurn(g.SaveFolder)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrUpload, err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: no turn number stored and no archive in %s", model.ErrUpload, g.SaveFolder)
	}
	return n, nil
}

// RunHostMode is HostDownload followed by HostUpload of the turn after the
// downloaded one when the download completed.
func (p *Protocol) RunHostMode(ctx context.Context, gameID string) (Result, error) {
	res, err := p.HostDownload(ctx, gameID)
	if err != nil || res.Outcome != model.OutcomeCompleted {
		return res, err
	}
	return p.HostUpload(ctx, gameID, res.Turn)
}

// RunPlayerMode is PlayerDownload followed by PlayerUpload for the downloaded
// turn when the download completed.
func (p *Protocol) RunPlayerMode(ctx context.Context, gameID string) (Result, error) {
	res, err := p.PlayerDownload(ctx, gameID)
	if err != nil || res.Outcome != model.OutcomeCompleted {
		return res, err
	}
	return p.PlayerUpload(ctx, gameID, res.Turn)
}
