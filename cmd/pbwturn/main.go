package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/pbwturn/internal/confirm"
	"github.com/msageha/pbwturn/internal/daemon"
	"github.com/msageha/pbwturn/internal/events"
	"github.com/msageha/pbwturn/internal/setup"
	"github.com/msageha/pbwturn/internal/status"
	"github.com/msageha/pbwturn/internal/uds"
)

const version = "1.0.0"

// gameCommands maps CLI names to the daemon's per-game commands.
var gameCommands = map[string]string{
	"host-download":   "host_download",
	"host-upload":     "host_upload",
	"player-download": "player_download",
	"player-upload":   "player_upload",
	"run-host":        "run_host",
	"run-player":      "run_player",
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		runDaemon(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "login":
		runLogin(os.Args[2:])
	case "refresh":
		runRefresh(os.Args[2:])
	case "host-download", "host-upload", "player-download", "player-upload", "run-host", "run-player":
		runGameCommand(cmd, os.Args[2:])
	case "run":
		runInteractive(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "confirm":
		runConfirm(os.Args[2:])
	case "games":
		runGames(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "logs":
		runLogs(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	case "result":
		runResult(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "version":
		fmt.Printf("pbwturn %s\n", version)
	case "help", "--help", "-h":
		printUsage(os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	appDir := appDirOrExit()
	d, err := daemon.New(appDir, daemon.Options{HandleSignals: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSetup(args []string) {
	var opts setup.Options
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--force":
			opts.Force = true
		case "--headless":
			opts.Headless = true
		case "--base-url":
			i++
			opts.BaseURL = flagValue(args, i, "--base-url")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: pbwturn setup [--force] [--headless] [--base-url URL]\n", args[i])
			os.Exit(1)
		}
	}

	appDir, err := setup.AppDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	creds, err := setup.PromptCredentials(os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	opts.Credentials = creds

	path, err := setup.Run(appDir, opts)
	if err != nil {
		if errors.Is(err, setup.ErrAlreadyInitialized) {
			fmt.Fprintf(os.Stderr, "setup: %v (use --force to rewrite it)\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		}
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", path)
}

func runLogin(args []string) {
	var p daemon.LoginParams
	stored, wait := false, false
	for _, a := range args {
		switch a {
		case "--save":
			p.Save = true
		case "--stored":
			stored = true
		case "--wait":
			wait = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: pbwturn login [--stored] [--save] [--wait]\n", a)
			os.Exit(1)
		}
	}
	if !stored {
		creds, err := setup.PromptCredentials(os.Stdin, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "login: %v\n", err)
			os.Exit(1)
		}
		p.Username, p.Password = creds.Username, creds.Password
	}
	submit("login", p, wait)
}

func runRefresh(args []string) {
	submit("refresh_games", nil, parseWait(args, "usage: pbwturn refresh [--wait]"))
}

func runStop(args []string) {
	submit("stop", nil, parseWait(args, "usage: pbwturn stop [--wait]"))
}

func runGameCommand(name string, args []string) {
	usage := fmt.Sprintf("usage: pbwturn %s <game> [--wait]", name)
	if name == "player-upload" {
		usage = "usage: pbwturn player-upload <game> [--turn N] [--wait]"
	}
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	p := daemon.GameParams{Game: args[0]}
	wait := false
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--wait":
			wait = true
		case "--turn":
			if name != "player-upload" {
				fmt.Fprintf(os.Stderr, "--turn only applies to player-upload\n%s\n", usage)
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(flagValue(rest, i, "--turn"))
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "invalid --turn value: %s\n", rest[i])
				os.Exit(1)
			}
			p.Turn = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}
	submit(gameCommands[name], p, wait)
}

func runConfirm(args []string) {
	const usage = "usage: pbwturn confirm <list|yes|no> [id]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		var pending []confirm.View
		call("confirmations", nil, &pending)
		if len(pending) == 0 {
			fmt.Println("no pending confirmations")
			return
		}
		for _, v := range pending {
			printConfirmation(v)
		}
	case "yes", "no":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(1)
		}
		call("confirm", daemon.ConfirmParams{ID: args[1], Answer: args[0] == "yes"}, nil)
		fmt.Printf("answered %s to %s\n", args[0], args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown confirm subcommand: %s\n%s\n", args[0], usage)
		os.Exit(1)
	}
}

func printConfirmation(v confirm.View) {
	fmt.Printf("%s  [%s] %s: %s\n", v.ID, v.Kind, v.Game, v.Question)
	for _, item := range v.Items {
		fmt.Printf("      - %s\n", item)
	}
}

func runGames(args []string) {
	const usage = "usage: pbwturn games <list|set|remove> [options]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		var games []daemon.GameView
		call("games", nil, &games)
		printGames(games)
	case "set":
		runGamesSet(args[1:])
	case "remove":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: pbwturn games remove <game>")
			os.Exit(1)
		}
		call("game_remove", daemon.GameParams{Game: args[1]}, nil)
		fmt.Printf("removed %s\n", args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown games subcommand: %s\n%s\n", args[0], usage)
		os.Exit(1)
	}
}

func runGamesSet(args []string) {
	const usage = "usage: pbwturn games set <game> [--role host|player] [--save-folder DIR] [--zip-prefix P]\n" +
		"       [--display-name N] [--document-url URL] [--upload-name N] [--player-upload-name N]"
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	u := daemon.GameUpdate{Game: args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		flag := rest[i]
		var dst **string
		switch flag {
		case "--role":
			dst = &u.Role
		case "--save-folder":
			dst = &u.SaveFolder
		case "--zip-prefix":
			dst = &u.ArchivePrefix
		case "--display-name":
			dst = &u.DisplayName
		case "--document-url":
			dst = &u.DocumentURL
		case "--upload-name":
			dst = &u.UploadDisplayName
		case "--player-upload-name":
			dst = &u.PlayerUploadDisplayName
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", flag, usage)
			os.Exit(1)
		}
		i++
		v := flagValue(rest, i, flag)
		if flag == "--save-folder" {
			if abs, err := filepath.Abs(v); err == nil {
				v = abs
			}
		}
		*dst = &v
	}

	var updated daemon.GameView
	call("game_update", u, &updated)
	printGames([]daemon.GameView{updated})
}

func printGames(games []daemon.GameView) {
	if len(games) == 0 {
		fmt.Println("no games; run 'pbwturn refresh' after logging in")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tROLE\tTURN\tZIP PREFIX\tSAVE FOLDER")
	for _, g := range games {
		turn := "-"
		if g.TurnNumber != nil {
			turn = strconv.Itoa(*g.TurnNumber)
		}
		role := string(g.Role)
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", g.ID, g.DisplayName, role, turn, g.ArchivePrefix, g.SaveFolder)
	}
	tw.Flush()
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: pbwturn status [--json]\n", a)
			os.Exit(1)
		}
	}
	if err := status.Run(appDirOrExit(), jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runLogs(args []string) {
	n, raw := 50, false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n":
			i++
			n = intFlag(args, i, "-n")
		case "--raw":
			raw = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: pbwturn logs [-n N] [--raw]\n", args[i])
			os.Exit(1)
		}
	}

	var lines []string
	call("logs", map[string]int{"lines": n}, &lines)
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}
	for _, line := range lines {
		if raw {
			fmt.Println(line)
			continue
		}
		if _, err := cw.Write([]byte(line)); err != nil {
			fmt.Println(line)
		}
	}
}

func runHistory(args []string) {
	n := 20
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n":
			i++
			n = intFlag(args, i, "-n")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: pbwturn history [-n N]\n", args[i])
			os.Exit(1)
		}
	}

	var entries []events.Entry
	call("history", map[string]int{"limit": n}, &entries)
	if len(entries) == 0 {
		fmt.Println("no history yet")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tGAME\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.EventType, e.Game, formatDetails(e.Details))
	}
	tw.Flush()
}

func formatDetails(details map[string]interface{}) string {
	var parts []string
	for _, key := range []string{"kind", "outcome", "turn", "from", "to", "error"} {
		if v, ok := details[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	return strings.Join(parts, " ")
}

func runResult(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: pbwturn result <command_id>")
		os.Exit(1)
	}
	var res daemon.CommandResult
	call("result", map[string]string{"command_id": args[0]}, &res)
	printJSON(res)
	if res.Error != "" {
		os.Exit(1)
	}
}

func runShutdown(_ []string) {
	call("shutdown", nil, nil)
	fmt.Println("daemon shutting down")
}

// submit sends a worker command. With wait it polls the result, printing
// confirmations as they appear so they can be answered from another shell.
func submit(command string, params any, wait bool) {
	var sub daemon.Submitted
	call(command, params, &sub)
	if !wait {
		fmt.Println(sub.CommandID)
		return
	}

	seen := map[string]bool{}
	for {
		var res daemon.CommandResult
		call("result", map[string]string{"command_id": sub.CommandID}, &res)
		if res.Finished() {
			printJSON(res)
			if res.Error != "" {
				os.Exit(1)
			}
			return
		}

		var pending []confirm.View
		call("confirmations", nil, &pending)
		for _, v := range pending {
			if !seen[v.ID] {
				seen[v.ID] = true
				printConfirmation(v)
				fmt.Printf("      answer with: pbwturn confirm yes|no %s\n", v.ID)
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func call(command string, params, out any) {
	client := uds.NewClient(filepath.Join(appDirOrExit(), uds.DefaultSocketName))
	if err := client.Call(command, params, out); err != nil {
		var detail *uds.ErrorDetail
		if errors.As(err, &detail) {
			fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, detail.Code, detail.Message)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		}
		os.Exit(1)
	}
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func parseWait(args []string, usage string) bool {
	wait := false
	for _, a := range args {
		if a != "--wait" {
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", a, usage)
			os.Exit(1)
		}
		wait = true
	}
	return wait
}

func flagValue(args []string, i int, name string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[i]
}

func intFlag(args []string, i int, name string) int {
	v := flagValue(args, i, name)
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		fmt.Fprintf(os.Stderr, "invalid %s value: %s\n", name, v)
		os.Exit(1)
	}
	return n
}

func appDirOrExit() string {
	appDir, err := setup.AppDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if _, err := os.Stat(setup.ConfigPath(appDir)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s not found. Run 'pbwturn setup' first.\n", setup.ConfigPath(appDir))
		os.Exit(1)
	}
	return appDir
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `pbwturn %s: PBW3 turn exchange

Usage: pbwturn <command> [options]

Setup:
  setup [--force] [--headless] [--base-url URL]   Write the config (prompts for credentials)
  daemon                                          Run the daemon process

Turn exchange (CLI → Daemon, add --wait to follow the result):
  login [--stored] [--save]        Log in to the site
  refresh                          Refresh the game list
  host-download <game>             Download, clean up and stage a host turn
  host-upload <game>               Archive and upload the next host turn
  player-download <game>           Download and extract the latest turn
  player-upload <game> [--turn N]  Upload the player file
  run-host <game>                  host-download then host-upload
  run-player <game>                player-download then player-upload
  stop                             Stop the worker after queued commands
  confirm list|yes|no [id]         Answer pending confirmations

Interactive:
  run host|player <game>           Run a mode in this terminal, without the daemon

Inspection:
  games list|set|remove            Show or edit game settings
  status [--json]                  Show daemon, worker and game status
  logs [-n N] [--raw]              Show recent daemon log lines
  history [-n N]                   Show finished commands and turn changes
  result <command_id>              Show a command result
  shutdown                         Stop the daemon
  version                          Show version
  help                             Show this help

`, version)
}
