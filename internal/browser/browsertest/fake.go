// Package browsertest provides a scripted in-memory browser.Session.
package browsertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/msageha/pbwturn/internal/browser"
	"github.com/msageha/pbwturn/internal/model"
)

// File is one document listed on a fake documents page.
type File struct {
	Name      string // file name after the site's upload prefix
	Text      string
	Content   []byte
	Deletable bool
}

// Fake is a browser.Session whose site is a set of in-memory pages.
// Exported fields may be set before use; recorded fields are read with the
// accessor methods.
type Fake struct {
	Password  string // required password; empty accepts any
	LoginErr  error
	Games     []model.GameLink
	Delay     time.Duration // added to every remote call
	UploadErr error
	// DownloadErr fails Download for the named files.
	DownloadErr map[string]error
	// NoDeleteControl makes DeleteNext report false even for deletable files.
	NoDeleteControl bool

	mu            sync.Mutex
	pages         map[string][]File
	authenticated bool
	user          string
	calls         []string
	uploads       []browser.Upload
	uploadData    map[string][]byte
	deletes       int
	closed        bool
	onCall        func(string)
	cancelled     int
}

var _ browser.Session = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		pages:      map[string][]File{},
		uploadData: map[string][]byte{},
	}
}

// SetPage replaces the files listed on pageURL.
func (f *Fake) SetPage(pageURL string, files ...File) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[pageURL] = append([]File(nil), files...)
}

func (f *Fake) Page(pageURL string) []File {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]File(nil), f.pages[pageURL]...)
}

// OnCall registers fn to run at the start of every call, after the delay.
func (f *Fake) OnCall(fn func(call string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
}

func (f *Fake) enter(ctx context.Context, call string) {
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	fn := f.onCall
	f.mu.Unlock()
	if fn != nil {
		fn(call)
	}
	if ctx.Err() != nil {
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
	}
}

// Cancelled counts calls whose context was done by the time they returned.
func (f *Fake) Cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *Fake) Login(ctx context.Context, creds model.Credentials) error {
	f.enter(ctx, "login")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated = false
	if f.LoginErr != nil {
		return fmt.Errorf("%w: %v", model.ErrAuth, f.LoginErr)
	}
	if creds.Empty() || (f.Password != "" && creds.Password != f.Password) {
		return fmt.Errorf("%w: site says %q", model.ErrAuth, "incorrect password")
	}
	f.authenticated = true
	f.user = creds.Username
	return nil
}

func (f *Fake) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *Fake) Username() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user
}

func (f *Fake) ListGames(ctx context.Context) ([]model.GameLink, error) {
	f.enter(ctx, "list_games")
	return append([]model.GameLink(nil), f.Games...), nil
}

func (f *Fake) ListDownloadables(ctx context.Context, pageURL string) ([]model.Downloadable, error) {
	f.enter(ctx, "list "+pageURL)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Downloadable
	for i, file := range f.pages[pageURL] {
		href := fmt.Sprintf("?get_group_doc=fake/%d-%s", 1000+i, file.Name)
		out = append(out, model.Downloadable{
			Href:     href,
			URL:      pageURL + href,
			Text:     file.Text,
			FileName: file.Name,
			Page:     pageURL,
		})
	}
	return out, nil
}

func (f *Fake) Download(ctx context.Context, d model.Downloadable, destDir string) (string, error) {
	f.enter(ctx, "download "+d.FileName)
	if err := f.DownloadErr[d.FileName]; err != nil {
		return "", fmt.Errorf("%w: %s: %v", model.ErrDownload, d.FileName, err)
	}

	f.mu.Lock()
	var content []byte
	found := false
	for _, file := range f.pages[d.Page] {
		if file.Name == d.FileName {
			content, found = file.Content, true
			break
		}
	}
	f.mu.Unlock()
	if !found {
		return "", fmt.Errorf("%w: %s: anchor not on page", model.ErrDownload, d.FileName)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrDownload, err)
	}
	dst := filepath.Join(destDir, d.FileName)
	if err := os.WriteFile(dst, content, 0644); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrDownload, err)
	}
	return dst, nil
}

func (f *Fake) DeleteNext(ctx context.Context, pageURL string) (bool, error) {
	f.enter(ctx, "delete_next "+pageURL)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NoDeleteControl {
		return false, nil
	}
	files := f.pages[pageURL]
	for i, file := range files {
		if file.Deletable {
			f.pages[pageURL] = append(files[:i:i], files[i+1:]...)
			f.deletes++
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) UploadFile(ctx context.Context, pageURL string, up browser.Upload) error {
	f.enter(ctx, "upload "+filepath.Base(up.Path))
	if f.UploadErr != nil {
		return fmt.Errorf("%w: %v", model.ErrUpload, f.UploadErr)
	}
	data, err := os.ReadFile(up.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrUpload, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, up)
	f.uploadData[filepath.Base(up.Path)] = data
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.authenticated = false
	return nil
}

func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// ResetCalls forgets the calls recorded so far.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) Uploads() []browser.Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.Upload(nil), f.uploads...)
}

// UploadedContent returns the bytes uploaded under a file's base name.
func (f *Fake) UploadedContent(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.uploadData[name]
	return data, ok
}

func (f *Fake) Deletes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
