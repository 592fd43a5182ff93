package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/gluk-w/sshmux/internal/audit"
	"github.com/gluk-w/sshmux/internal/config"
	"github.com/gluk-w/sshmux/internal/database"
	"github.com/gluk-w/sshmux/internal/inventory"
	"github.com/gluk-w/sshmux/internal/logging"
	"github.com/gluk-w/sshmux/internal/session"
	"github.com/gluk-w/sshmux/internal/sshkeys"
	"github.com/gluk-w/sshmux/internal/sshmux"
)

const usage = `Usage: sshmux <command> [flags] [args]

Commands:
  identity                       print the system public key
  status                         connect the targets and print their status
  run     [-t alias] <command>   run a shell command
  ls      [-t alias] [path]      list a directory
  read    [-t alias] <path>      print a file
  write   [-t alias] <path>      write stdin to a file
  edit    [-t alias] <path> <old> <new>
  sync    <alias:path> <alias:path>
  bulk    -t a,b,... <command>   run a command on several aliases
  audit   [-alias a] [-type t] [-limit n]

Connection flags (all commands but identity and audit):
  -inventory file   YAML host inventory
  -host, -user, -port, -key, -via, -ask-password
                    ad-hoc target, connected as -alias (default "primary")
`

// cliFlags holds the flags shared by the remote commands.
type cliFlags struct {
	fs          *flag.FlagSet
	inventory   string
	alias       string
	host        string
	user        string
	port        int
	key         string
	via         string
	askPassword bool
	target      string
	timeout     time.Duration
}

func newCLIFlags(command string) *cliFlags {
	f := &cliFlags{fs: flag.NewFlagSet(command, flag.ExitOnError)}
	f.fs.StringVar(&f.inventory, "inventory", os.Getenv("SSH_MCP_INVENTORY"), "YAML host inventory")
	f.fs.StringVar(&f.alias, "alias", sshmux.DefaultAlias, "alias for the ad-hoc target")
	f.fs.StringVar(&f.host, "host", "", "ad-hoc target host")
	f.fs.StringVar(&f.user, "user", "", "ad-hoc target user")
	f.fs.IntVar(&f.port, "port", 22, "ad-hoc target port")
	f.fs.StringVar(&f.key, "key", "", "private key for the ad-hoc target")
	f.fs.StringVar(&f.via, "via", "", "jump host alias for the ad-hoc target")
	f.fs.BoolVar(&f.askPassword, "ask-password", false, "prompt for the ad-hoc target password")
	f.fs.StringVar(&f.target, "t", "", "target alias (comma separated for bulk)")
	f.fs.DurationVar(&f.timeout, "timeout", 0, "command timeout (default from SSH_MCP_COMMAND_TIMEOUT)")
	return f
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes one CLI invocation and returns the process exit status. All
// cleanup is deferred here so it completes before main exits.
func run(args []string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	command := args[0]
	switch command {
	case "-h", "--help", "help":
		fmt.Print(usage)
		return 0
	case "identity", "audit", "status", "run", "ls", "read", "write", "edit", "sync", "bulk":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		return 2
	}

	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()
	logging.SetDebug(config.Cfg.DebugTransport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case "identity":
		err = runIdentity()
	case "audit":
		err = runAudit(args[1:])
	default:
		err = runRemote(ctx, command, args[1:])
	}
	return exitStatus(err)
}

// exitStatus maps a command error to the process exit status, printing it
// unless it only carries a remote exit code.
func exitStatus(err error) int {
	var code exitCode
	switch {
	case err == nil:
		return 0
	case errors.As(err, &code):
		return int(code)
	default:
		fmt.Fprintln(os.Stderr, sshmux.ErrorMessage(err))
		return 1
	}
}

// exitCode carries a remote command's non-zero exit status out of run.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func ensureKeys() *sshkeys.KeyPair {
	keys, err := sshkeys.EnsureKeyPair(config.Cfg.KeyPath, config.Cfg.ResolvedFallbackKeyPath())
	if err != nil {
		log.Printf("SSH key init: %v", err)
		return nil
	}
	return keys
}

func runIdentity() error {
	mux := sshmux.New(sshmux.OptionsFromConfig(config.Cfg, ensureKeys(), nil))
	fmt.Println(mux.Identity())
	return nil
}

func openAuditor() (*audit.Auditor, func(), error) {
	if config.Cfg.AuditDBPath == "" {
		return nil, func() {}, nil
	}
	db, err := database.Open(config.Cfg.AuditDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("audit database: %w", err)
	}
	return audit.NewAuditor(db, config.Cfg.AuditRetentionDays), func() { database.Close(db) }, nil
}

func runAudit(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	alias := fs.String("alias", "", "filter by alias")
	eventType := fs.String("type", "", "filter by event type")
	sessionID := fs.String("session", "", "filter by session")
	limit := fs.Int("limit", 50, "maximum entries")
	purge := fs.Bool("purge", false, "delete entries past the retention period")
	fs.Parse(args)

	auditor, closeDB, err := openAuditor()
	if err != nil {
		return err
	}
	defer closeDB()
	if auditor == nil {
		return errors.New("audit is disabled (set SSH_MCP_AUDIT_DB)")
	}

	if *purge {
		n, err := auditor.PurgeOlderThan(0)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d entries older than %d days.\n", n, auditor.RetentionDays())
		return nil
	}

	res, err := auditor.Query(audit.QueryOptions{
		Session:   *sessionID,
		Alias:     *alias,
		EventType: *eventType,
		Limit:     *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runRemote(ctx context.Context, command string, args []string) error {
	f := newCLIFlags(command)
	f.fs.Parse(args)
	rest := f.fs.Args()

	keys := ensureKeys()
	auditor, closeDB, err := openAuditor()
	if err != nil {
		return err
	}
	defer closeDB()
	if auditor != nil {
		c, err := auditor.StartPurgeSchedule(config.Cfg.AuditPurgeSchedule)
		if err != nil {
			log.Printf("audit purge schedule: %v", err)
		} else {
			defer c.Stop()
		}
	}

	sessionID := cliSessionID()
	store := session.NewStore(config.Cfg.IdleTimeout(), func() *sshmux.Multiplexer {
		var a sshmux.Auditor
		if auditor != nil {
			a = auditor.Recorder(sessionID)
		}
		return sshmux.New(sshmux.OptionsFromConfig(config.Cfg, keys, a))
	})
	store.Start()
	defer store.Stop()

	mux := store.Get(sessionID)
	defer mux.Disconnect("")

	targets, err := commandTargets(command, f.target, rest)
	if err != nil {
		return err
	}
	if err := connectTargets(ctx, mux, f, targets); err != nil {
		return err
	}

	timeout := f.timeout
	if timeout == 0 {
		timeout = config.Cfg.CommandTimeout
	}

	switch command {
	case "status":
		return printJSON(mux.Status())

	case "run":
		if len(rest) == 0 {
			return fmt.Errorf("%w: run needs a command", sshmux.ErrInput)
		}
		res, err := mux.Run(ctx, f.target, strings.Join(rest, " "), timeout)
		if err != nil {
			return err
		}
		fmt.Println(res.Format())
		if res.ExitCode != 0 {
			return exitCode(res.ExitCode)
		}
		return nil

	case "ls":
		p := "."
		if len(rest) > 0 {
			p = rest[0]
		}
		entries, err := mux.List(ctx, f.target, p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s %-4s %10d %s\n", e.Permissions, e.Type, e.Size, e.Name)
		}
		return nil

	case "read":
		if len(rest) != 1 {
			return fmt.Errorf("%w: read needs a path", sshmux.ErrInput)
		}
		content, err := mux.Read(ctx, f.target, rest[0])
		if err != nil {
			return err
		}
		fmt.Print(content)
		return nil

	case "write":
		if len(rest) != 1 {
			return fmt.Errorf("%w: write needs a path", sshmux.ErrInput)
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		msg, err := mux.Write(ctx, f.target, rest[0], string(data))
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil

	case "edit":
		if len(rest) != 3 {
			return fmt.Errorf("%w: edit needs a path, the old text and the new text", sshmux.ErrInput)
		}
		msg, err := mux.Edit(ctx, f.target, rest[0], rest[1], rest[2])
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil

	case "sync":
		src, srcPath, _ := parseEndpoint(rest[0])
		dst, dstPath, _ := parseEndpoint(rest[1])
		msg, _, err := mux.Sync(ctx, src, srcPath, dst, dstPath)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil

	case "bulk":
		if len(rest) == 0 {
			return fmt.Errorf("%w: bulk needs a command", sshmux.ErrInput)
		}
		return printJSON(mux.RunMany(ctx, targets, strings.Join(rest, " "), timeout))
	}
	return nil
}

// commandTargets returns the aliases a command operates on. An empty result
// means the primary alias.
func commandTargets(command, target string, args []string) ([]string, error) {
	switch command {
	case "sync":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: sync needs <alias:path> <alias:path>", sshmux.ErrInput)
		}
		src, _, err := parseEndpoint(args[0])
		if err != nil {
			return nil, err
		}
		dst, _, err := parseEndpoint(args[1])
		if err != nil {
			return nil, err
		}
		if src == dst {
			return []string{src}, nil
		}
		return []string{src, dst}, nil
	case "bulk":
		aliases := splitAliases(target)
		if len(aliases) == 0 {
			return nil, fmt.Errorf("%w: bulk needs -t alias1,alias2", sshmux.ErrInput)
		}
		return aliases, nil
	}
	if target == "" {
		return nil, nil
	}
	return []string{target}, nil
}

// parseEndpoint splits "alias:path".
func parseEndpoint(s string) (alias, path string, err error) {
	alias, path, ok := strings.Cut(s, ":")
	if !ok || alias == "" || path == "" {
		return "", "", fmt.Errorf("%w: expected alias:path, got %q", sshmux.ErrInput, s)
	}
	return alias, path, nil
}

func splitAliases(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// connectTargets connects the ad-hoc target, if any, then the inventory hosts
// needed for targets.
func connectTargets(ctx context.Context, mux *sshmux.Multiplexer, f *cliFlags, targets []string) error {
	if f.host != "" {
		creds := sshmux.Credentials{
			Host:     f.host,
			Username: f.user,
			Port:     f.port,
			KeyPath:  f.key,
			Via:      f.via,
		}
		if f.askPassword {
			pw, err := promptPassword(fmt.Sprintf("%s@%s's password: ", f.user, f.host))
			if err != nil {
				return err
			}
			creds.Password = pw
		}
		if f.inventory != "" && f.via != "" {
			if err := connectInventory(ctx, mux, f.inventory, []string{f.via}); err != nil {
				return err
			}
		}
		msg, err := mux.Connect(ctx, f.alias, creds)
		if err != nil {
			return err
		}
		log.Print(msg)

		var rest []string
		for _, t := range targets {
			if t != f.alias {
				rest = append(rest, t)
			}
		}
		if len(rest) == 0 {
			return nil
		}
		targets = rest
	}

	if f.inventory == "" {
		if f.host == "" {
			return fmt.Errorf("%w: give -host or -inventory", sshmux.ErrInput)
		}
		return nil
	}
	return connectInventory(ctx, mux, f.inventory, targets)
}

func connectInventory(ctx context.Context, mux *sshmux.Multiplexer, path string, aliases []string) error {
	inv, err := inventory.Load(path)
	if err != nil {
		return err
	}
	sel, err := inv.Select(aliases...)
	if err != nil {
		return fmt.Errorf("%w: %v", sshmux.ErrInput, err)
	}
	results, err := sel.Connect(ctx, mux)
	for _, r := range results {
		if r.Err == nil {
			log.Print(r.Message)
		}
	}
	return err
}

func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%w: -ask-password needs a terminal", sshmux.ErrInput)
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func cliSessionID() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli-" + u
	}
	return "cli"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
