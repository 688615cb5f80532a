// Package cli is the command-line client: one-shot exec/eval or an
// interactive prompt against a running bridge.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"livebridge/internal/client"
	apperrors "livebridge/internal/errors"
	"livebridge/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version can be set at build time
var Version = "dev"

// TokenEnv is read when --token is not given.
const TokenEnv = "LIVEBRIDGE_TOKEN"

// Prompt is shown in interactive mode.
const Prompt = "livebridge> "

// errFailed marks a command whose response was a failure. It has already
// been printed, so Execute only sets the exit code.
var errFailed = errors.New("command failed")

var (
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	resultStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	tokenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("40")).Bold(true)
)

type options struct {
	eval        bool
	host        string
	port        int
	portFile    string
	token       string
	timeout     time.Duration
	interactive bool
}

// NewRootCmd builds the client command.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "livebridge [code]",
		Short:         "Send Starlark code to a running livebridge",
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.token == "" {
				opts.token = os.Getenv(TokenEnv)
			}
			switch {
			case opts.interactive:
				return runInteractive(cmd, opts)
			case len(args) == 1:
				return runOnce(cmd, opts, args[0])
			default:
				return cmd.Help()
			}
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&opts.eval, "eval", "e", false, "Evaluate as an expression and print its value")
	f.StringVar(&opts.host, "host", client.DefaultHost, "Bridge host")
	f.IntVar(&opts.port, "port", 0, "Bridge port (default: read from the port file)")
	f.StringVar(&opts.portFile, "port-file", "", "Port file to read when --port is not set")
	f.StringVarP(&opts.token, "token", "t", "", "Session token for approval-free connections (env "+TokenEnv+")")
	f.DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "Socket timeout")
	f.BoolVarP(&opts.interactive, "interactive", "i", false, "Interactive mode")
	return cmd
}

// Execute runs the client and exits non-zero on any failure.
func Execute() {
	// A .env next to the caller may carry the token.
	_ = godotenv.Load()

	if err := NewRootCmd().Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+describe(err)))
		}
		os.Exit(1)
	}
}

func newSession(opts *options) *client.Session {
	s := client.NewSession(opts.host, opts.port, opts.token)
	s.PortFile = opts.portFile
	s.Timeout = opts.timeout
	return s
}

func runOnce(cmd *cobra.Command, opts *options, code string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s := newSession(opts)
	defer s.Close()

	if _, err := s.Conn(ctx); err != nil {
		return err
	}
	if s.Issued() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", TokenEnv, s.Token())
	}

	kind := protocol.TypeExec
	if opts.eval {
		kind = protocol.TypeEval
	}
	resp, err := s.Send(ctx, code, kind)
	if err != nil {
		return err
	}
	printResponse(cmd.OutOrStdout(), cmd.ErrOrStderr(), resp)
	if !resp.Success {
		return errFailed
	}
	return nil
}

func runInteractive(cmd *cobra.Command, opts *options) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	fmt.Fprintln(out, "livebridge client - interactive mode")
	fmt.Fprintln(out, hintStyle.Render("Type Starlark to execute. Prefix with '?' to evaluate. 'quit' or 'exit' leaves."))
	fmt.Fprintln(out)

	s := newSession(opts)
	defer s.Close()
	if _, err := s.Conn(ctx); err != nil {
		return err
	}
	if s.Issued() {
		fmt.Fprintln(out, tokenStyle.Render(fmt.Sprintf("%s=%s", TokenEnv, s.Token())))
		fmt.Fprintln(out, hintStyle.Render("Use --token <token> for approval-free connections."))
		fmt.Fprintln(out)
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), protocol.DefaultMaxFrameSize)
	for {
		fmt.Fprint(out, Prompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}

		kind := protocol.TypeExec
		if strings.HasPrefix(line, "?") {
			line = strings.TrimSpace(line[1:])
			kind = protocol.TypeEval
		}
		resp, err := s.Send(ctx, line, kind)
		if err != nil {
			fmt.Fprintln(errOut, errorStyle.Render("Error: "+describe(err)))
			continue
		}
		printResponse(out, errOut, resp)
	}
}

func printResponse(out, errOut io.Writer, resp protocol.CommandResponse) {
	if resp.Stdout != "" {
		fmt.Fprint(out, resp.Stdout)
	}
	if resp.Stderr != "" {
		fmt.Fprint(errOut, resp.Stderr)
	}
	if resp.Success {
		if resp.Result != nil {
			fmt.Fprintln(out, resultStyle.Render(*resp.Result))
		}
		return
	}
	msg := resp.Error
	if msg == "" {
		msg = "Unknown error"
	}
	fmt.Fprintln(errOut, errorStyle.Render("Error: "+msg))
	if resp.Traceback != "" {
		fmt.Fprintln(errOut, resp.Traceback)
	}
}

func describe(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.KindBridgeUnavailable, apperrors.KindTransport:
		return "could not reach the livebridge server: " + err.Error()
	case apperrors.KindAuthRejected:
		var e *apperrors.E
		errors.As(err, &e)
		return e.Message
	default:
		return err.Error()
	}
}
