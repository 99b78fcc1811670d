package worker

import "github.com/msageha/pbwturn/internal/model"

// The command surface. Each call enqueues and returns the command ID; cb may
// be nil.

func (w *Worker) Login(creds model.Credentials, cb func(Outcome)) (string, error) {
	return w.Enqueue(Command{Kind: KindLogin, Credentials: creds, OnResult: cb})
}

// RefreshGames reports the merged games through cb. When the session is not
// logged in cb still runs, with an empty game list and the error.
func (w *Worker) RefreshGames(cb func(Outcome)) (string, error) {
	return w.Enqueue(Command{Kind: KindRefreshGames, OnResult: cb})
}

func (w *Worker) HostDownload(game string, cb func(Outcome)) (string, error) {
	return w.Enqueue(Command{Kind: KindHostDownload, Game: game, OnResult: cb})
}

func (w *Worker) HostUpload(game string, cb func(Outcome)) (string, error) {
	return w.Enqueue(Command{Kind: KindHostUpload, Game: game, OnResult: cb})
}

func (w *Worker) PlayerDownload(game string, cb func(Outcome)) (string, error) {
	return w.Enqueue(Command{Kind: KindPlayerDownload, Game: game, OnResult: cb})
}

// PlayerUpload labels the upload with turn when it is positive.
func (w *Worker) PlayerUpload(game string, turn int, cb func(Outcome)) (string, error) {
	return w.Enqueue(Command{Kind: KindPlayerUpload, Game: game, TurnHint: turn, OnResult: cb})
}

func (w *Worker) RunHostMode(game string, cb func(Outcome)) (string, error) {
	return w.Enqueue(Command{Kind: KindRunHost, Game: game, OnResult: cb})
}

func (w *Worker) RunPlayerMode(game string, cb func(Outcome)) (string, error) {
	return w.Enqueue(Command{Kind: KindRunPlayer, Game: game, OnResult: cb})
}
