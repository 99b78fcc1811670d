// Package setup creates the pbwturn application directory and its first
// configuration file.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/msageha/pbwturn/internal/model"
	atomicyaml "github.com/msageha/pbwturn/internal/yaml"
)

const (
	// HomeEnv overrides the application directory.
	HomeEnv       = "PBWTURN_HOME"
	defaultAppDir = ".pbwturn"

	ConfigFile    = "config.yaml"
	LocksDir      = "locks"
	LogsDir       = "logs"
	QuarantineDir = "quarantine"
	BrowserDir    = "chrome"
	JournalFile   = "history.jsonl"
	DaemonLock    = "daemon.lock"
)

var ErrAlreadyInitialized = errors.New("already initialized")

// AppDir returns $PBWTURN_HOME or ~/.pbwturn.
func AppDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return filepath.Abs(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultAppDir), nil
}

func ConfigPath(appDir string) string {
	return filepath.Join(appDir, ConfigFile)
}

func LockPath(appDir string) string {
	return filepath.Join(appDir, LocksDir, DaemonLock)
}

func JournalPath(appDir string) string {
	return filepath.Join(appDir, LogsDir, JournalFile)
}

// EnsureLayout creates the directories the daemon writes into.
func EnsureLayout(appDir string) error {
	for _, d := range []string{LocksDir, LogsDir, QuarantineDir, BrowserDir} {
		if err := os.MkdirAll(filepath.Join(appDir, d), 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}

type Options struct {
	Credentials model.Credentials
	BaseURL     string
	Headless    bool
	// Force overwrites an existing config file, keeping its games.
	Force bool
}

// Run initializes appDir and writes config.yaml. It refuses to touch an
// existing config unless opts.Force is set.
func Run(appDir string, opts Options) (string, error) {
	if err := EnsureLayout(appDir); err != nil {
		return "", err
	}
	path := ConfigPath(appDir)

	var cfg model.Config
	switch err := atomicyaml.Load(path, &cfg); {
	case err == nil:
		if !opts.Force {
			return path, fmt.Errorf("%s: %w", path, ErrAlreadyInitialized)
		}
	case os.IsNotExist(err):
	default:
		if !opts.Force {
			return path, err
		}
		cfg = model.Config{}
	}

	cfg = generateConfig(cfg, appDir, opts)
	if err := atomicyaml.AtomicWrite(path, cfg); err != nil {
		return path, fmt.Errorf("write %s: %w", ConfigFile, err)
	}

	lockPath := LockPath(appDir)
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		if err := os.WriteFile(lockPath, nil, 0600); err != nil {
			return path, fmt.Errorf("create %s: %w", DaemonLock, err)
		}
	}
	return path, nil
}

func generateConfig(cfg model.Config, appDir string, opts Options) model.Config {
	if !opts.Credentials.Empty() {
		cfg.Credentials = opts.Credentials
	}
	if opts.BaseURL != "" {
		cfg.Site.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	cfg.Browser.Headless = opts.Headless
	if cfg.Browser.UserDataDir == "" {
		cfg.Browser.UserDataDir = filepath.Join(appDir, BrowserDir)
	}
	if cfg.Games == nil {
		cfg.Games = []model.GameConfig{}
	}
	return cfg.WithDefaults()
}

// PromptCredentials asks for a username and password on out. The password is
// read without echo when in is a terminal.
func PromptCredentials(in *os.File, out io.Writer) (model.Credentials, error) {
	r := bufio.NewReader(in)

	fmt.Fprint(out, "PBW3 username: ")
	user, err := readLine(r)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("read username: %w", err)
	}

	fmt.Fprint(out, "PBW3 password: ")
	var pass string
	if fd := int(in.Fd()); term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return model.Credentials{}, fmt.Errorf("read password: %w", err)
		}
		pass = string(b)
	} else {
		pass, err = readLine(r)
		if err != nil {
			return model.Credentials{}, fmt.Errorf("read password: %w", err)
		}
	}

	creds := model.Credentials{Username: user, Password: pass}
	if creds.Empty() {
		return creds, errors.New("username and password are required")
	}
	return creds, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
