package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/msageha/pbwturn/internal/model"
)

// Chrome is the Session backed by a headless (or visible) Chrome driven over
// the DevTools protocol. The browser process starts on first use.
type Chrome struct {
	site Site
	cfg  model.BrowserConfig
	log  zerolog.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	downloadDir string
	waiter      chan downloadResult

	page          string // last loaded page
	authenticated bool
	creds         model.Credentials
}

type downloadResult struct {
	guid string
	err  error
}

var _ Session = (*Chrome)(nil)

func NewChrome(cfg model.Config, log zerolog.Logger) *Chrome {
	cfg = cfg.WithDefaults()
	return &Chrome{
		site: NewSite(cfg.Site),
		cfg:  cfg.Browser,
		log:  log,
	}
}

func (c *Chrome) pageTimeout() time.Duration {
	return time.Duration(c.cfg.PageTimeoutSec) * time.Second
}

func (c *Chrome) settle() time.Duration {
	return time.Duration(c.cfg.SettleMs) * time.Millisecond
}

// ensure starts Chrome and the single tab if they are not running.
func (c *Chrome) ensure() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tabCtx != nil && c.tabCtx.Err() == nil {
		return nil
	}
	c.shutdownLocked()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.cfg.Headless),
		chromedp.Flag("disable-gpu", c.cfg.Headless),
	)
	if p := strings.TrimSpace(c.cfg.ChromePath); p != "" {
		opts = append(opts, chromedp.ExecPath(p))
	}
	if dir := strings.TrimSpace(c.cfg.UserDataDir); dir != "" {
		if err := os.MkdirAll(dir, 0700); err == nil {
			opts = append(opts, chromedp.UserDataDir(dir))
		}
	}

	downloadDir, err := os.MkdirTemp("", "pbwturn-downloads-*")
	if err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	c.tabCtx, c.tabCancel = chromedp.NewContext(c.allocCtx)
	c.downloadDir = downloadDir

	chromedp.ListenTarget(c.tabCtx, c.onEvent)

	start, cancel := context.WithTimeout(c.tabCtx, c.pageTimeout())
	defer cancel()
	err = chromedp.Run(start,
		chromedp.Navigate("about:blank"),
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(downloadDir).
			WithEventsEnabled(true),
	)
	if err != nil {
		c.shutdownLocked()
		return fmt.Errorf("start browser: %w", err)
	}
	c.log.Debug().Bool("headless", c.cfg.Headless).Msg("browser started")
	return nil
}

func (c *Chrome) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *browser.EventDownloadWillBegin:
		c.log.Debug().Str("guid", e.GUID).Str("suggested", e.SuggestedFilename).Msg("download started")
	case *browser.EventDownloadProgress:
		switch e.State {
		case browser.DownloadProgressStateCompleted:
			c.finishDownload(downloadResult{guid: e.GUID})
		case browser.DownloadProgressStateCanceled:
			c.finishDownload(downloadResult{guid: e.GUID, err: errors.New("download cancelled by browser")})
		}
	}
}

func (c *Chrome) finishDownload(r downloadResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiter == nil {
		return
	}
	select {
	case c.waiter <- r:
	default:
	}
}

// run executes actions on the tab, bounded by timeout and by ctx.
func (c *Chrome) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := c.ensure(); err != nil {
		return err
	}
	c.mu.Lock()
	tab := c.tabCtx
	c.mu.Unlock()

	tctx, cancel := context.WithTimeout(tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

func (c *Chrome) load(ctx context.Context, pageURL string) (string, error) {
	var html string
	err := c.run(ctx, c.pageTimeout(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.settle()),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", pageURL, err)
	}
	c.setPage(pageURL)
	return html, nil
}

func (c *Chrome) setPage(pageURL string) {
	c.mu.Lock()
	c.page = pageURL
	c.mu.Unlock()
}

func (c *Chrome) currentPage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

func (c *Chrome) Login(ctx context.Context, creds model.Credentials) error {
	if creds.Empty() {
		return fmt.Errorf("%w: username and password are required", model.ErrAuth)
	}
	c.mu.Lock()
	c.authenticated = false
	c.page = ""
	c.mu.Unlock()

	var html string
	err := c.run(ctx, time.Duration(c.cfg.LoginTimeoutSec)*time.Second,
		network.ClearBrowserCookies(),
		chromedp.Navigate(c.site.LoginURL()),
		chromedp.WaitVisible(selLoginUser, chromedp.ByQuery),
		chromedp.SetValue(selLoginUser, "", chromedp.ByQuery),
		chromedp.SendKeys(selLoginUser, creds.Username, chromedp.ByQuery),
		chromedp.SetValue(selLoginPass, "", chromedp.ByQuery),
		chromedp.SendKeys(selLoginPass, creds.Password, chromedp.ByQuery),
		chromedp.Click(selSubmit, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.settle()),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrAuth, err)
	}

	if msg, shown, _ := ParseLoginError(html); shown {
		return fmt.Errorf("%w: site says %q", model.ErrAuth, msg)
	}
	if c.site.VerifyLogin() {
		if still, _ := HasLoginForm(html); still {
			return fmt.Errorf("%w: login form still shown after submit", model.ErrAuth)
		}
	}

	c.mu.Lock()
	c.authenticated = true
	c.creds = creds
	c.mu.Unlock()
	return nil
}

func (c *Chrome) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Chrome) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.Username
}

func (c *Chrome) ListGames(ctx context.Context) ([]model.GameLink, error) {
	html, err := c.load(ctx, c.site.MembersURL(c.Username()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDiscovery, err)
	}
	return ParseGameLinks(html)
}

func (c *Chrome) ListDownloadables(ctx context.Context, pageURL string) ([]model.Downloadable, error) {
	html, err := c.load(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDiscovery, err)
	}
	files, err := ParseDownloadables(c.site, pageURL, html)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDiscovery, err)
	}
	return files, nil
}

func (c *Chrome) Download(ctx context.Context, d model.Downloadable, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrDownload, err)
	}
	if d.Page != "" && d.Page != c.currentPage() {
		if _, err := c.load(ctx, d.Page); err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrDownload, err)
		}
	}

	wait := make(chan downloadResult, 1)
	c.mu.Lock()
	c.waiter = wait
	downloadDir := c.downloadDir
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiter = nil
		c.mu.Unlock()
	}()

	var clicked bool
	err := c.run(ctx, c.pageTimeout(), chromedp.Evaluate(clickAnchorJS(d.Href), &clicked))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", model.ErrDownload, d.FileName, err)
	}
	if !clicked {
		return "", fmt.Errorf("%w: %s: anchor not on page", model.ErrDownload, d.FileName)
	}

	timeout := time.NewTimer(time.Duration(c.cfg.DownloadTimeoutSec) * time.Second)
	defer timeout.Stop()

	var res downloadResult
	select {
	case res = <-wait:
	case <-timeout.C:
		return "", fmt.Errorf("%w: %s: not saved within %ds", model.ErrDownload, d.FileName, c.cfg.DownloadTimeoutSec)
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s: %v", model.ErrDownload, d.FileName, ctx.Err())
	}
	if res.err != nil {
		return "", fmt.Errorf("%w: %s: %v", model.ErrDownload, d.FileName, res.err)
	}

	dst := filepath.Join(destDir, d.FileName)
	if err := moveFile(filepath.Join(downloadDir, res.guid), dst); err != nil {
		return "", fmt.Errorf("%w: %s: %v", model.ErrDownload, d.FileName, err)
	}
	return dst, nil
}

func (c *Chrome) DeleteNext(ctx context.Context, pageURL string) (bool, error) {
	html, err := c.load(ctx, pageURL)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrDelete, err)
	}
	href, ok, err := ParseDeleteLink(html)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrDelete, err)
	}
	if !ok {
		return false, nil
	}

	target := c.site.Resolve(pageURL, href)
	c.log.Debug().Str("href", target).Msg("activating delete control")
	err = c.run(ctx, c.pageTimeout(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.settle()),
	)
	c.setPage("")
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrDelete, err)
	}
	return true, nil
}

func (c *Chrome) UploadFile(ctx context.Context, pageURL string, up Upload) error {
	if _, err := os.Stat(up.Path); err != nil {
		return fmt.Errorf("%w: %v", model.ErrUpload, err)
	}
	if _, err := c.load(ctx, pageURL); err != nil {
		return fmt.Errorf("%w: %v", model.ErrUpload, err)
	}

	err := c.run(ctx, c.pageTimeout(),
		chromedp.WaitVisible(selUploadButton, chromedp.ByQuery),
		chromedp.Click(selUploadButton, chromedp.ByQuery),
		chromedp.WaitVisible(selUploadName, chromedp.ByQuery),
		chromedp.SetUploadFiles(selUploadFile, []string{up.Path}, chromedp.ByQuery),
		chromedp.SetValue(selUploadName, "", chromedp.ByQuery),
		chromedp.SendKeys(selUploadName, up.DisplayName, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("%w: fill form: %v", model.ErrUpload, err)
	}

	// Featured and category are best effort, as on the site itself.
	if up.Featured {
		if ok, err := c.check(ctx, selUploadFeatured); err != nil || !ok {
			c.log.Warn().Err(err).Msg("could not tick the featured box")
		}
	}
	if err := c.categorise(ctx, up); err != nil {
		c.log.Warn().Err(err).Str("file", filepath.Base(up.Path)).Msg("category tagging failed")
	}

	err = c.run(ctx, c.pageTimeout(),
		chromedp.ScrollIntoView(selUploadSave, chromedp.ByQuery),
		chromedp.Click(selUploadSave, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.settle()+time.Second),
	)
	c.setPage("")
	if err != nil {
		return fmt.Errorf("%w: submit: %v", model.ErrUpload, err)
	}
	return nil
}

func (c *Chrome) categorise(ctx context.Context, up Upload) error {
	if up.CategoryID > 0 {
		sel := fmt.Sprintf("input#category-%d", up.CategoryID)
		visible, err := c.visible(ctx, sel)
		if err != nil {
			return err
		}
		if visible {
			_, err := c.check(ctx, sel)
			return err
		}
	}
	if up.NewCategory == "" {
		return nil
	}
	return c.run(ctx, c.pageTimeout(),
		chromedp.SetValue(selNewCategory, "", chromedp.ByQuery),
		chromedp.SendKeys(selNewCategory, up.NewCategory, chromedp.ByQuery),
	)
}

func (c *Chrome) visible(ctx context.Context, sel string) (bool, error) {
	var ok bool
	err := c.run(ctx, c.pageTimeout(), chromedp.Evaluate(fmt.Sprintf(
		`(e => !!e && !!(e.offsetWidth || e.offsetHeight || e.getClientRects().length))(document.querySelector(%s))`,
		jsString(sel)), &ok))
	return ok, err
}

// check ticks a checkbox if it is present and not ticked already.
func (c *Chrome) check(ctx context.Context, sel string) (bool, error) {
	var ok bool
	err := c.run(ctx, c.pageTimeout(), chromedp.Evaluate(fmt.Sprintf(
		`(e => { if (!e) return false; if (!e.checked) e.click(); return true; })(document.querySelector(%s))`,
		jsString(sel)), &ok))
	return ok, err
}

func clickAnchorJS(href string) string {
	return fmt.Sprintf(`(h => {
  const a = Array.from(document.querySelectorAll('a')).find(x => x.getAttribute('href') === h);
  if (!a) return false;
  a.click();
  return true;
})(%s)`, jsString(href))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (c *Chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownLocked()
	return nil
}

// shutdownLocked drops the tab, and with it the site login.
func (c *Chrome) shutdownLocked() {
	if c.tabCancel != nil {
		c.authenticated = false
		c.tabCancel()
		c.tabCancel, c.tabCtx = nil, nil
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel, c.allocCtx = nil, nil
	}
	if c.downloadDir != "" {
		os.RemoveAll(c.downloadDir)
		c.downloadDir = ""
	}
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
