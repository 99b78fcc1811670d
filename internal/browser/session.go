// Package browser drives the remote documents site through one long-lived,
// authenticated browser session.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/msageha/pbwturn/internal/model"
)

// Session is the remote surface the protocol needs. Implementations are not
// safe for concurrent use; the worker owns the only one.
type Session interface {
	Login(ctx context.Context, creds model.Credentials) error
	Authenticated() bool
	Username() string

	ListGames(ctx context.Context) ([]model.GameLink, error)
	ListDownloadables(ctx context.Context, pageURL string) ([]model.Downloadable, error)
	// Download saves d into destDir under d.FileName and returns the path.
	Download(ctx context.Context, d model.Downloadable, destDir string) (string, error)
	// DeleteNext activates the first delete control on the page. It reports
	// false when the page offers none.
	DeleteNext(ctx context.Context, pageURL string) (bool, error)
	UploadFile(ctx context.Context, pageURL string, up Upload) error

	Close() error
}

// Upload is one submission of the documents upload form.
type Upload struct {
	Path        string
	DisplayName string
	CategoryID  int    // existing category checkbox, input#category-<id>
	NewCategory string // typed into the new-category field when CategoryID is absent
	Featured    bool
}

// Fixed categories of the site's group documents.
const (
	GameTurnCategoryID   = 136
	GameTurnCategory     = "Game Turn"
	PlayerFileCategoryID = 138
	PlayerFileCategory   = "Player File"
)

// Page selectors of the documents site.
const (
	selLoginUser      = "input#user_login"
	selLoginPass      = "input#user_pass"
	selSubmit         = "input[type='submit']"
	selLoginError     = "#login_error"
	selLoginForm      = "form#loginform"
	selDocAnchor      = "a[href*='get_group_doc']"
	selDocTitle       = "a.bp-group-documents-title"
	selDelete         = "a.bp-group-documents-delete"
	selGameLink       = "a.bp-group-home-link"
	selUploadButton   = "#bp-group-documents-upload-button"
	selUploadFile     = "input[type='file']"
	selUploadName     = "input[name='bp_group_documents_name']"
	selUploadFeatured = "input[name='bp_group_documents_featured']"
	selNewCategory    = "input[name='bp_group_documents_new_category']"
	selUploadSave     = "input[type='submit'][value='Save']"
)

// DownloadExts is the allow-list for documents anchors.
var DownloadExts = []string{".zip", ".plr", ".emp", ".txt"}

// Site builds the fixed URLs from the configured base.
type Site struct {
	cfg model.SiteConfig
}

func NewSite(cfg model.SiteConfig) Site {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return Site{cfg: cfg}
}

func (s Site) LoginURL() string {
	return s.cfg.BaseURL + s.cfg.LoginPath
}

func (s Site) MembersURL(username string) string {
	return s.cfg.BaseURL + fmt.Sprintf(s.cfg.MembersPath, url.PathEscape(username))
}

func (s Site) DocumentsURL(slug string) string {
	return s.cfg.BaseURL + fmt.Sprintf(s.cfg.GamesPath, slug)
}

func (s Site) VerifyLogin() bool {
	return s.cfg.VerifyLogin
}

// Resolve makes href absolute relative to page, falling back to the base URL.
func (s Site) Resolve(page, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if ref.IsAbs() {
		return href
	}
	base, err := url.Parse(page)
	if err != nil || !base.IsAbs() {
		base, err = url.Parse(s.cfg.BaseURL + "/")
		if err != nil {
			return href
		}
	}
	return base.ResolveReference(ref).String()
}

// GameFromLink turns a discovered group into a fresh game record using the
// site's naming conventions.
func (s Site) GameFromLink(link model.GameLink, username string) model.GameConfig {
	prefix := link.Slug
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return model.GameConfig{
		ID:          link.Slug,
		DisplayName: link.Name,
		DocumentURL: s.DocumentsURL(link.Slug),
		Naming: model.FileNaming{
			ArchivePrefix:           strings.ToLower(prefix),
			UploadDisplayName:       link.Name,
			PlayerUploadDisplayName: username + " Turn ",
		},
		TurnNumber: model.IntPtr(model.DefaultTurnNumber),
	}
}
