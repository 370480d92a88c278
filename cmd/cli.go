package cmd

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fzft/go-reactor/deps/linenoise"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
)

var (
	ReactorVersion = "0.1.0"

	CliKeepAliveInterval  = 15
	CliDefaultTimeout     = 30
	CliHisFileEnv         = "REACTOR_CLI_HISTFILE"
	CliHisFileDefault     = ".reactorcli_history"
	CliDefaultHost        = "127.0.0.1"
	CliDefaultPort        = 2007
	errCliNotConnected    = errors.New("not connected")
	errCliInvalidArgument = errors.New("invalid argument(s)")
)

type CliConnectFlag int

const (
	CCForce CliConnectFlag = 1 << iota // Re-connect if already connected.
	CCQuiet                            // Don't show non-error messages.
)

type CliConnInfo struct {
	hostIp   string
	hostPort int
}

type CliConfig struct {
	connInfo    *CliConnInfo
	timeout     time.Duration
	interactive bool
	prompt      string
}

// Cli is the line client. Arguments after the flags are sent as one line;
// otherwise lines come from an interactive prompt or, when stdin is not a
// terminal, from stdin.
type Cli struct {
	config *CliConfig
	client *Client
	in     io.Reader
	out    io.Writer
}

func NewCli(in io.Reader, out io.Writer) *Cli {
	return &Cli{
		config: &CliConfig{
			connInfo: &CliConnInfo{hostIp: CliDefaultHost, hostPort: CliDefaultPort},
			timeout:  time.Duration(CliDefaultTimeout) * time.Second,
		},
		in:  in,
		out: out,
	}
}

// Version renders ReactorVersion with the git commit and working tree status
// when they are known.
func Version(gitSHA1, gitDirty string) string {
	version := ReactorVersion
	if sha1Int, err := strconv.ParseInt(gitSHA1, 16, 64); err == nil && sha1Int != 0 {
		version = fmt.Sprintf("%s (git:%s", version, gitSHA1)
		if dirtyInt, err := strconv.ParseInt(gitDirty, 10, 64); err == nil && dirtyInt != 0 {
			version = fmt.Sprintf("%s-dirty", version)
		}
		version = fmt.Sprintf("%s)", version)
	}
	return version
}

func (cli *Cli) Usage(out io.Writer) {
	fmt.Fprintf(out, `reactor-cli %s

Usage: reactor-cli [OPTIONS] [line ...]
  -h <hostname>      Server hostname (default: %s).
  -p <port>          Server port (default: %d).
  -t <seconds>       Reply timeout, 0 waits forever (default: %d).

Without a line the cli reads lines from stdin, or starts an interactive
prompt when stdin is a terminal. The history file defaults to ~/%s and can
be moved with the %s environment variable (/dev/null disables it).

Prompt commands:
`, ReactorVersion, CliDefaultHost, CliDefaultPort, CliDefaultTimeout, CliHisFileDefault, CliHisFileEnv)
	for _, c := range cliCommands {
		fmt.Fprintf(out, "  %-18s %s\n", c.usage, c.summary)
	}
}

func (cli *Cli) Run(args []string) error {
	fs := flag.NewFlagSet("reactor-cli", flag.ContinueOnError)
	fs.SetOutput(cli.out)
	fs.Usage = func() { cli.Usage(cli.out) }
	host := fs.String("h", CliDefaultHost, "server hostname")
	port := fs.Int("p", CliDefaultPort, "server port")
	timeout := fs.Int("t", CliDefaultTimeout, "reply timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cli.config.connInfo.hostIp = *host
	cli.config.connInfo.hostPort = *port
	cli.config.timeout = time.Duration(*timeout) * time.Second
	defer cli.disconnect()

	if fs.NArg() > 0 {
		if err := cli.connect(0); err != nil {
			return err
		}
		return cli.issueLine(strings.Join(fs.Args(), " "))
	}

	if f, ok := cli.in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		_ = cli.connect(CCQuiet)
		return cli.repl()
	}
	if err := cli.connect(0); err != nil {
		return err
	}
	return cli.pipe()
}

// connect dials the configured server.
// flag: CCForce: The connection is performed even if there is already
// a connected socket.
// CCQuiet: Don't print errors if connection fails.
func (cli *Cli) connect(flag CliConnectFlag) error {
	if cli.client != nil && flag&CCForce == 0 {
		return nil
	}
	cli.disconnect()

	client, err := Dial(cli.config.connInfo.hostIp, cli.config.connInfo.hostPort, cli.config.timeout)
	if err != nil {
		if flag&CCQuiet == 0 {
			fmt.Fprintln(cli.out, err)
		}
		return err
	}
	cli.client = client
	return nil
}

func (cli *Cli) disconnect() {
	if cli.client != nil {
		_ = cli.client.Close()
		cli.client = nil
	}
}

// issueLine sends line and prints the reply. A broken connection is dropped
// so the next line reconnects.
func (cli *Cli) issueLine(line string) error {
	if cli.client == nil {
		return errCliNotConnected
	}
	reply, err := cli.client.Command(line)
	if err != nil {
		cli.disconnect()
		return err
	}
	fmt.Fprintln(cli.out, reply)
	return nil
}

// pipe sends every stdin line and stops at the first failure.
func (cli *Cli) pipe() error {
	scanner := bufio.NewScanner(cli.in)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if err := cli.issueLine(line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return scanner.Err()
}

func (cli *Cli) repl() error {
	var historyFile string

	cli.config.interactive = true
	ln := linenoise.New()
	defer ln.Close()

	historyFile = getDotfilePath(CliHisFileEnv, CliHisFileDefault)
	if historyFile != "" {
		_ = ln.HistoryLoad(historyFile)
	}

	for {
		cli.refreshPrompt()
		prompt := cli.config.prompt
		if cli.client == nil {
			prompt = "not connected> "
		}
		line, err := ln.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		argv := splitArgs(line)
		if len(argv) == 0 {
			continue
		}
		ln.AppendHistory(line)
		if historyFile != "" {
			_ = ln.HistorySave(historyFile)
		}

		done, err := cli.dispatch(argv, line)
		if err != nil {
			fmt.Fprintf(cli.out, "(error) %s\n", err)
		}
		if done {
			return nil
		}
	}
}

// dispatch runs a prompt command, or sends line to the server. It reports
// whether the prompt should exit.
func (cli *Cli) dispatch(argv []string, line string) (bool, error) {
	switch {
	case strings.EqualFold(argv[0], "exit"):
		return true, nil
	case strings.EqualFold(argv[0], "help") && len(argv) == 1:
		cli.Usage(cli.out)
		return false, nil
	case strings.EqualFold(argv[0], "clear") && len(argv) == 1:
		return false, linenoise.ClearScreen(cli.out)
	case strings.EqualFold(argv[0], "connect"):
		if len(argv) != 3 {
			return false, errCliInvalidArgument
		}
		port, err := strconv.Atoi(argv[2])
		if err != nil {
			return false, fmt.Errorf("invalid port number %q", argv[2])
		}
		cli.config.connInfo.hostIp = argv[1]
		cli.config.connInfo.hostPort = port
		return false, cli.connect(CCForce | CCQuiet)
	}

	if err := cli.connect(CCQuiet); err != nil {
		return false, err
	}
	err := cli.issueLine(line)
	if err == nil && strings.EqualFold(argv[0], "quit") {
		cli.disconnect()
	}
	return false, err
}

func (cli *Cli) refreshPrompt() {
	addr := net.JoinHostPort(cli.config.connInfo.hostIp, strconv.Itoa(cli.config.connInfo.hostPort))
	cli.config.prompt = fmt.Sprintf("reactor://%s> ", addr)
}

func splitArgs(line string) []string {
	return strings.Fields(line)
}

func getDotfilePath(envOverride, dotFilename string) string {
	var dotPath string

	path := os.Getenv(envOverride)
	if path != "" {
		if path == "/dev/null" {
			return ""
		}
		dotPath = path
	} else {
		home := os.Getenv("HOME")
		if home != "" {
			dotPath = fmt.Sprintf("%s/%s", home, dotFilename)
		}
	}
	return dotPath
}
