// pitwatch - Minecraft chat to Discord bridge for The Pit
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ernie/pitwatch/internal/api"
	"github.com/ernie/pitwatch/internal/auth"
	"github.com/ernie/pitwatch/internal/boosters"
	"github.com/ernie/pitwatch/internal/config"
	"github.com/ernie/pitwatch/internal/domain"
	"github.com/ernie/pitwatch/internal/timefmt"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"
)

var version = "dev"

const defaultConfigPath = "/etc/pitwatch/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "boosters":
		cmdBoosters(os.Args[2:])
	case "player":
		cmdPlayer(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "hash-password":
		cmdHashPassword(os.Args[2:])
	case "version":
		fmt.Printf("pitwatch %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: pitwatch <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve [--attempts N]           Run the bridge")
	fmt.Println("  status                         Show the current lobby and active boosters")
	fmt.Println("  boosters                       Show the booster table")
	fmt.Println("  player <name>                  Show a player's history and profile")
	fmt.Println("  token [--user NAME]            Mint an admin API token")
	fmt.Println("  hash-password                  Hash a password for auth.admin_password_hash")
	fmt.Println("  version                        Show version")
	fmt.Println("  help                           Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/pitwatch/config.yml)")
	fmt.Println("  --url <url>        Base URL of the pitwatch server (default: derived from config)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  pitwatch serve --config /etc/pitwatch/config.yml")
	fmt.Println("  pitwatch player Steve")
	fmt.Println("  curl -H \"Authorization: Bearer $(pitwatch token)\" -d '{\"command\":\"/events\"}' localhost:8080/api/commands")
}

// CLI helper variables
var baseURL = "http://localhost:8080"

// loadCLIConfigFromFlags loads config using pre-parsed flag values
func loadCLIConfigFromFlags(configPath, urlFlag string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", configPath, err)
		if urlFlag != "" {
			baseURL = urlFlag
		}
		return nil
	}

	// Derive URL from config, but allow --url flag to override
	if urlFlag != "" {
		baseURL = urlFlag
	} else {
		baseURL = "http://" + cfg.Server.Addr()
	}
	return cfg
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	urlFlag := fs.String("url", "", "base URL of the pitwatch server")
	fs.Parse(args)

	loadCLIConfigFromFlags(*configPath, *urlFlag)

	var status domain.LobbyStatus
	if err := getJSON("/api/lobby", &status); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	var states boosters.States
	if err := getJSON("/api/boosters", &states); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	lobby := status.Lobby
	if lobby == "" {
		lobby = "(unknown)"
	}
	fmt.Printf("Lobby:    %s", lobby)
	if status.Transitioning {
		fmt.Print(" (transitioning)")
	}
	if !status.Since.IsZero() {
		fmt.Printf(", joined %s", timefmt.Ago(time.Now(), status.Since))
	}
	fmt.Println()
	fmt.Printf("Players:  %d\n", len(status.Players))
	if len(status.Players) > 0 {
		fmt.Printf("          %s\n", strings.Join(status.Players, ", "))
	}
	fmt.Printf("Boosters: %d active\n", len(states.Active))
}

func cmdBoosters(args []string) {
	fs := flag.NewFlagSet("boosters", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	urlFlag := fs.String("url", "", "base URL of the pitwatch server")
	fs.Parse(args)

	loadCLIConfigFromFlags(*configPath, *urlFlag)

	var states boosters.States
	if err := getJSON("/api/boosters", &states); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BOOSTER\tMULTIPLIER\tPLAYER\tEXPIRES")
	fmt.Fprintln(w, "-------\t----------\t------\t-------")
	for _, a := range states.Active {
		mult := "-"
		if a.Multiplier != nil {
			mult = fmt.Sprintf("%.1fx", *a.Multiplier)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.DisplayName, mult, a.Player, timefmt.Until(now, a.ExpiryTime))
	}
	for _, name := range states.Inactive {
		fmt.Fprintf(w, "%s\t-\t-\tinactive\n", name)
	}
	w.Flush()
}

func cmdPlayer(args []string) {
	fs := flag.NewFlagSet("player", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	urlFlag := fs.String("url", "", "base URL of the pitwatch server")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: pitwatch player <name>")
		os.Exit(1)
	}
	loadCLIConfigFromFlags(*configPath, *urlFlag)

	var p api.PlayerResponse
	if err := getJSON("/api/players/"+url.PathEscape(fs.Arg(0)), &p); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", p.Name)
	if prof := p.Profile; prof != nil {
		level := fmt.Sprintf("%d", prof.Level)
		if prof.Prestige != "" {
			level = prof.Prestige + "-" + level
		}
		fmt.Fprintf(w, "Level:\t%s\n", level)
		if prof.Rank != "" {
			fmt.Fprintf(w, "Rank:\t%s\n", prof.Rank)
		}
		if prof.Guild != "" {
			fmt.Fprintf(w, "Guild:\t%s\n", prof.Guild)
		}
		if prof.Lobby != "" {
			fmt.Fprintf(w, "Lobby:\t%s\n", prof.Lobby)
		}
	}
	if h := p.History; h != nil {
		fmt.Fprintf(w, "First seen:\t%s\n", timefmt.Ago(now, h.FirstSeen))
		fmt.Fprintf(w, "Last seen:\t%s\n", timefmt.Ago(now, h.LastSeen))
		fmt.Fprintf(w, "Seen (7d/30d):\t%d / %d\n", h.Seen7d, h.Seen30d)
		fmt.Fprintf(w, "Messages:\t%d\n", h.MessageCount)
		fmt.Fprintf(w, "Time together:\t%s\n", timefmt.Humanize(h.TimeTogether))
	}
	w.Flush()
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	user := fs.String("user", "", "token subject (default: auth.admin_username)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintf(os.Stderr, "Error: auth.jwt_secret is not set (or set %s)\n", config.EnvJWTSecret)
		os.Exit(1)
	}

	subject := *user
	if subject == "" {
		subject = cfg.Auth.AdminUsername
	}
	token, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration, nil).GenerateToken(subject, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func cmdHashPassword(args []string) {
	fs := flag.NewFlagSet("hash-password", flag.ExitOnError)
	fs.Parse(args)

	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		os.Exit(1)
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		os.Exit(1)
	}

	if string(password) != string(confirm) {
		fmt.Fprintln(os.Stderr, "Error: passwords do not match")
		os.Exit(1)
	}
	if len(password) < 8 {
		fmt.Fprintln(os.Stderr, "Error: password must be at least 8 characters")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(string(password))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func getJSON(path string, target interface{}) error {
	resp, err := http.Get(baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(target)
}
