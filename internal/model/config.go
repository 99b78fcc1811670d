// Package model defines the data structures for pbwturn's configuration, games, and protocol state.
package model

type Config struct {
	Credentials Credentials   `yaml:"credentials"`
	Site        SiteConfig    `yaml:"site"`
	Browser     BrowserConfig `yaml:"browser"`
	Worker      WorkerConfig  `yaml:"worker"`
	Daemon      DaemonConfig  `yaml:"daemon"`
	Logging     LoggingConfig `yaml:"logging"`
	Games       []GameConfig  `yaml:"games"`
}

// Credentials are supplied once per process and held in memory by the browser
// session after the first login.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (c Credentials) Empty() bool {
	return c.Username == "" || c.Password == ""
}

type SiteConfig struct {
	BaseURL     string `yaml:"base_url"`
	LoginPath   string `yaml:"login_path"`
	MembersPath string `yaml:"members_path"`
	GamesPath   string `yaml:"games_path"`

	// VerifyLogin additionally requires the login form to disappear after
	// submitting credentials. Off by default: success is otherwise inferred
	// from the page settling without an error banner.
	VerifyLogin bool `yaml:"verify_login"`
}

type BrowserConfig struct {
	Headless           bool   `yaml:"headless"`
	ChromePath         string `yaml:"chrome_path"`
	UserDataDir        string `yaml:"user_data_dir"`
	PageTimeoutSec     int    `yaml:"page_timeout_sec"`
	LoginTimeoutSec    int    `yaml:"login_timeout_sec"`
	DownloadTimeoutSec int    `yaml:"download_timeout_sec"`
	SettleMs           int    `yaml:"settle_ms"` // Pause after each navigation for late scripts (default 2000)
}

type WorkerConfig struct {
	PollIntervalMs  int  `yaml:"poll_interval_ms"`
	ConfirmDownload bool `yaml:"confirm_download"` // Ask before downloading discovered files
}

type DaemonConfig struct {
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	MetricsAddr        string `yaml:"metrics_addr"` // Empty disables the /metrics endpoint
	LogTailLines       int    `yaml:"log_tail_lines"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	DefaultBaseURL     = "https://www.pbw3.net"
	DefaultLoginPath   = "/wp-login.php"
	DefaultMembersPath = "/members/%s/groups/my-groups/"
	DefaultGamesPath   = "/games/%s/documents/"
)

// WithDefaults returns a copy of c with zero-valued settings filled in.
func (c Config) WithDefaults() Config {
	if c.Site.BaseURL == "" {
		c.Site.BaseURL = DefaultBaseURL
	}
	if c.Site.LoginPath == "" {
		c.Site.LoginPath = DefaultLoginPath
	}
	if c.Site.MembersPath == "" {
		c.Site.MembersPath = DefaultMembersPath
	}
	if c.Site.GamesPath == "" {
		c.Site.GamesPath = DefaultGamesPath
	}
	if c.Browser.PageTimeoutSec <= 0 {
		c.Browser.PageTimeoutSec = 30
	}
	if c.Browser.LoginTimeoutSec <= 0 {
		c.Browser.LoginTimeoutSec = 30
	}
	if c.Browser.DownloadTimeoutSec <= 0 {
		c.Browser.DownloadTimeoutSec = 120
	}
	if c.Browser.SettleMs <= 0 {
		c.Browser.SettleMs = 2000
	}
	if c.Worker.PollIntervalMs <= 0 {
		c.Worker.PollIntervalMs = 200
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.LogTailLines <= 0 {
		c.Daemon.LogTailLines = 500
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}
