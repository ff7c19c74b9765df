/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/baseapp/apiserver/internal/client/api"
	"github.com/baseapp/apiserver/internal/client/guard"
	"github.com/baseapp/apiserver/internal/client/session"
	"github.com/baseapp/apiserver/internal/client/storage"
	"github.com/baseapp/apiserver/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const sessionEventsChannel = "baseapp:session-events"

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

var clientFlags struct {
	api      string
	stateDir string
	redisURL string
	system   string
	remember bool
	verbose  bool
}

// clientEnv holds everything a client subcommand needs. close releases the
// storage handles and the broadcaster.
type clientEnv struct {
	api     *api.Client
	manager *session.Manager
	guard   *guard.Guard
	system  session.System
	closers []io.Closer
}

func (e *clientEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Command line client for the account API",
	Long: `Talks to a running baseapp server. Remembered logins are kept in a
SQLite file shared by every client on this machine; other logins last as
long as the invoking shell. With --redis, running clients learn about each
other's logins and logouts immediately.`,
}

func openClient(ctx context.Context) (*clientEnv, error) {
	system, err := session.ParseSystem(clientFlags.system)
	if err != nil {
		return nil, err
	}

	dir := clientFlags.stateDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locate config dir: %w", err)
		}
		dir = filepath.Join(base, "baseapp")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	env := &clientEnv{system: system}

	durable, err := storage.OpenSQLite(ctx, filepath.Join(dir, "sessions.db"))
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, durable)

	// Non-remembered logins belong to the shell that ran the command.
	ephemeral, err := storage.OpenSQLite(ctx, filepath.Join(dir, fmt.Sprintf("shell-%d.db", os.Getppid())))
	if err != nil {
		env.close()
		return nil, err
	}
	env.closers = append(env.closers, ephemeral)

	var events storage.Broadcaster
	if clientFlags.redisURL != "" {
		opt, err := redis.ParseURL(clientFlags.redisURL)
		if err != nil {
			env.close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		b := storage.NewRedisBroadcaster(redis.NewClient(opt), sessionEventsChannel)
		env.closers = append(env.closers, b)
		events = b
	}

	logger := logging.Discard()
	if clientFlags.verbose {
		logger = logging.New(os.Stderr, "debug", "text")
	}

	env.api = api.New(clientFlags.api, nil)
	env.manager = session.NewManager(env.api, durable, ephemeral, events, logger)
	env.guard = guard.New(nil, env.manager)
	return env, nil
}

// withClient opens the client environment, reloads the persisted sessions
// and runs fn.
func withClient(fn func(cmd *cobra.Command, args []string, env *clientEnv) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()
		if err := env.manager.Reload(cmd.Context()); err != nil {
			return err
		}
		return fn(cmd, args, env)
	}
}

var clientLoginCmd = &cobra.Command{
	Use:   "login <username|email>",
	Short: "Log in to the user or admin system",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, env *clientEnv) error {
		password, err := promptPassword(cmd.ErrOrStderr(), "Password: ")
		if err != nil {
			return err
		}
		s, err := env.manager.Login(cmd.Context(), args[0], password, clientFlags.remember, env.system)
		if errors.Is(err, session.ErrRoleMismatch) {
			return errors.New("this account is not an administrator")
		}
		if err != nil {
			return err
		}
		acc := s.Account()
		fmt.Fprintf(cmd.OutOrStdout(), "logged in to %s as %s (%s)\n", s.System(), acc.Username, acc.Role)
		return nil
	}),
}

var clientLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out of the selected system, or both with --all",
	RunE: withClient(func(cmd *cobra.Command, args []string, env *clientEnv) error {
		all, _ := cmd.Flags().GetBool("all")
		targets := []session.System{env.system}
		if all {
			targets = []session.System{session.SystemUser, session.SystemAdmin}
		}
		for _, system := range targets {
			if s := env.manager.State().Session(system); s != nil {
				// Server-side logout is advisory; local state is what matters.
				_ = env.api.Logout(cmd.Context(), s.Token())
			}
		}
		if err := env.manager.Logout(cmd.Context(), targets...); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	}),
}

var clientWhoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Validate the stored sessions and print the current identity",
	RunE: withClient(func(cmd *cobra.Command, args []string, env *clientEnv) error {
		if err := env.manager.Hydrate(cmd.Context()); err != nil {
			return err
		}
		st := env.manager.State()
		if st.UserInfo == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "not logged in")
			return nil
		}
		u := st.UserInfo
		fmt.Fprintf(cmd.OutOrStdout(), "%s <%s> role=%s verified=%t via %s\n", u.Username, u.Email, u.Role, u.Verified, st.Current)
		return nil
	}),
}

var clientStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show both sessions as stored, without contacting the server",
	RunE: withClient(func(cmd *cobra.Command, args []string, env *clientEnv) error {
		printState(cmd.OutOrStdout(), env.manager.State())
		return nil
	}),
}

var clientWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print session changes made by this or other clients until interrupted",
	RunE: withClient(func(cmd *cobra.Command, args []string, env *clientEnv) error {
		out := cmd.OutOrStdout()
		if err := env.manager.Hydrate(cmd.Context()); err != nil {
			return err
		}
		printState(out, env.manager.State())
		env.manager.OnChange(func(st session.State) {
			if st.Loading {
				return
			}
			fmt.Fprintln(out, "--")
			printState(out, st)
		})
		err := env.manager.Watch(cmd.Context())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}),
}

var clientOpenCmd = &cobra.Command{
	Use:   "open <path>",
	Short: "Check whether a page may be opened with the stored sessions",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, env *clientEnv) error {
		d, err := env.guard.Check(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if d.Allowed() {
			fmt.Fprintf(cmd.OutOrStdout(), "open %s\n", args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "redirect %s\n", d.Redirect)
		return nil
	}),
}

var clientRegisterCmd = &cobra.Command{
	Use:   "register <username> <email>",
	Short: "Create an account; a verification link is emailed",
	Args:  cobra.ExactArgs(2),
	RunE: withClient(func(cmd *cobra.Command, args []string, env *clientEnv) error {
		password, err := promptNewPassword(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		acc, err := env.api.Register(cmd.Context(), args[0], args[1], password)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s, check %s for the verification link\n", acc.Username, acc.Email)
		return nil
	}),
}

var clientVerifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Verify an email address with the token from the link",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, env *clientEnv) error {
		acc, err := env.api.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "verified %s (%s)\n", acc.Username, acc.Role)
		return nil
	}),
}

var clientForgotCmd = &cobra.Command{
	Use:   "forgot <email>",
	Short: "Request a password reset link",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, env *clientEnv) error {
		if err := env.api.ForgotPassword(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "if the address is registered, a reset link is on its way")
		return nil
	}),
}

var clientResetCmd = &cobra.Command{
	Use:   "reset <token>",
	Short: "Set a new password with a reset token",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, env *clientEnv) error {
		password, err := promptNewPassword(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		if err := env.api.ResetPassword(cmd.Context(), args[0], password); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "password reset, log in with the new password")
		return nil
	}),
}

var clientPasswdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the password of the selected session's account",
	RunE: withClient(func(cmd *cobra.Command, args []string, env *clientEnv) error {
		current, err := promptPassword(cmd.ErrOrStderr(), "Current password: ")
		if err != nil {
			return err
		}
		next, err := promptNewPassword(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		err = env.manager.Call(cmd.Context(), env.system, func(ctx context.Context, token string) error {
			return env.api.ChangePassword(ctx, token, current, next)
		})
		if errors.Is(err, session.ErrNoSession) {
			return fmt.Errorf("not logged in to %s", env.system)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "password changed")
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(clientCmd)

	pf := clientCmd.PersistentFlags()
	pf.StringVar(&clientFlags.api, "api", envOr("BASEAPP_API_URL", "http://localhost:8080"), "API base URL")
	pf.StringVar(&clientFlags.stateDir, "state", os.Getenv("BASEAPP_STATE_DIR"), "directory for session storage (default: user config dir)")
	pf.StringVar(&clientFlags.redisURL, "redis", os.Getenv("BASEAPP_REDIS_URL"), "redis URL used to announce session changes to other clients")
	pf.StringVar(&clientFlags.system, "system", string(session.SystemUser), "session to act on: user or admin")
	pf.BoolVarP(&clientFlags.verbose, "verbose", "v", false, "log session activity to stderr")

	clientLoginCmd.Flags().BoolVar(&clientFlags.remember, "remember", false, "keep the session after this shell exits")
	clientLogoutCmd.Flags().Bool("all", false, "log out of both systems")

	clientCmd.AddCommand(
		clientLoginCmd,
		clientLogoutCmd,
		clientWhoamiCmd,
		clientStatusCmd,
		clientWatchCmd,
		clientOpenCmd,
		clientRegisterCmd,
		clientVerifyCmd,
		clientForgotCmd,
		clientResetCmd,
		clientPasswdCmd,
	)
}

func printState(w io.Writer, st session.State) {
	for _, system := range []session.System{session.SystemUser, session.SystemAdmin} {
		s := st.Session(system)
		if s == nil {
			fmt.Fprintf(w, "%-5s  logged out\n", system)
			continue
		}
		scope := "shell"
		if s.Remembered() {
			scope = "remembered"
		}
		marker := " "
		if st.Current == system {
			marker = "*"
		}
		fmt.Fprintf(w, "%-5s%s %s (%s, %s)\n", system, marker, s.Account().Username, s.Account().Role, scope)
	}
}

// promptPassword reads a password without echo from a terminal, or a single
// line when stdin is piped.
func promptPassword(w io.Writer, prompt string) (string, error) {
	fmt.Fprint(w, prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("read password: %w", err)
		}
		fmt.Fprintln(w)
		return strings.TrimRight(line, "\r\n"), nil
	}
	pw, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func promptNewPassword(w io.Writer) (string, error) {
	first, err := promptPassword(w, "New password: ")
	if err != nil {
		return "", err
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return first, nil
	}
	second, err := promptPassword(w, "Repeat password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
