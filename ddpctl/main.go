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
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/bringyour/ddp/ddp"
)

const DdpCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `DDP control.

A command-line tool for communicating with a DDP server.
Commands are read one per line from stdin:
    method <method name> <json array of parameters>
    sub <subscription name> [<json array of parameters>]
    unsub <subscription id>
    help [<command>]

Usage:
    ddpctl <ddp_endpoint> [--print-raw] [--bearer=<jwt>] [--vi]
        [--call_timeout=<call_timeout>]
        [--socks=<proxy_url>]
        [--v=<level>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    <ddp_endpoint>                 DDP websocket endpoint to connect to,
                                   e.g. ws://foo.meteor.com/websocket
    --print-raw                    Print raw websocket data in addition to parsed results.
    --bearer=<jwt>                 Send this jwt as a bearer token when connecting.
    --vi                           Enable vi mode line editing.
    --call_timeout=<call_timeout>  Give up waiting on a method or sub after this duration, e.g. 30s.
    --socks=<proxy_url>            Connect through a SOCKS5 proxy, e.g. socks5://127.0.0.1:1080
    --v=<level>                    Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DdpCtlVersion)
	if err != nil {
		panic(err)
	}

	os.Exit(run(opts))
}

func initGlog(level string) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", level)
}

func run(opts docopt.Opts) int {
	endpoint, _ := opts.String("<ddp_endpoint>")
	printRaw, _ := opts.Bool("--print-raw")
	vi, _ := opts.Bool("--vi")

	level, _ := opts.String("--v")
	initGlog(level)

	settings := ddp.DefaultClientSettings()
	if bearerAny := opts["--bearer"]; bearerAny != nil {
		settings.Auth = &ddp.ClientAuth{
			BearerJwt: bearerAny.(string),
		}
	}
	if callTimeoutAny := opts["--call_timeout"]; callTimeoutAny != nil {
		callTimeout, err := time.ParseDuration(callTimeoutAny.(string))
		if err != nil {
			Err.Printf("Invalid call_timeout (%s).\n", err)
			return 2
		}
		settings.CallTimeout = callTimeout
	}
	if socksAny := opts["--socks"]; socksAny != nil {
		settings.TransportSettings.SocksProxyUrl = socksAny.(string)
	}

	// the prompt is only shown when a person is typing
	prompt := ""
	if term.IsTerminal(int(os.Stdin.Fd())) {
		prompt = "DDP> "
	}
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".ddpctl.history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      prompt,
		HistoryFile: historyFile,
		VimMode:     vi,
	})
	if err != nil {
		Err.Printf("%s\n", err)
		return 1
	}
	defer rl.Close()

	// print through readline so output does not clobber the prompt
	Out = log.New(rl.Stdout(), "", 0)
	printer := NewEventPrinter(Out)

	if printRaw {
		settings.FrameCallback = printer.PrintFrame
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := ddp.NewClient(ctx, settings)
	client.AddEventCallback(printer.PrintEvent)

	if err := client.Connect(ctx, endpoint); err != nil {
		Err.Printf("Could not connect to %s (%s).\n", endpoint, err)
		client.Close()
		return 1
	}

	// returning runs the deferred `rl.Close`, which restores the terminal before exit
	return RunShell(ctx, client, rl, Out)
}

type LineReader interface {
	Readline() (string, error)
}

// RunShell executes input lines against a connected client until the input ends or the connection closes.
// Returns the process exit code: 0 at end of input, 1 when the server or the network closed the connection.
func RunShell(ctx context.Context, client *ddp.Client, lines LineReader, out *log.Logger) int {
	shell := &Shell{
		ctx:    ctx,
		client: client,
		out:    out,
	}

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		for {
			line, err := lines.Readline()
			if err == io.EOF {
				return
			}
			if errors.Is(err, readline.ErrInterrupt) {
				if line == "" {
					return
				}
				continue
			}
			if err != nil {
				Err.Printf("%s\n", err)
				return
			}
			shell.Execute(line)
		}
	}()

	select {
	case <-inputDone:
		client.Close()
		return 0
	case <-client.Done():
		return 1
	}
}

// Shell runs one line commands against a connected client.
// Each command blocks until its request completes.
type Shell struct {
	ctx    context.Context
	client *ddp.Client
	out    *log.Logger
}

func (self *Shell) Execute(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	command, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	switch command {
	case "method":
		self.method(args)
	case "sub":
		self.sub(args)
	case "unsub":
		self.unsub(args)
	case "help", "?":
		self.help(args)
	default:
		self.out.Printf("*** Unknown syntax: %s\n", line)
	}
}

func (self *Shell) method(args string) {
	methodName, params, err := ParseCommand(args)
	if err != nil {
		self.out.Printf("Error parsing parameter list - try `help method`\n")
		return
	}
	// the result or error is printed from the result event
	if _, err := self.client.Call(self.ctx, methodName, params); err != nil {
		self.printRequestErr(err)
	}
}

func (self *Shell) sub(args string) {
	subName, params, err := ParseCommand(args)
	if err != nil {
		self.out.Printf("Error parsing parameter list - try `help sub`\n")
		return
	}
	result, err := self.client.Subscribe(self.ctx, subName, params)
	if err != nil {
		self.printRequestErr(err)
		return
	}
	self.out.Printf("* SUB ID %s\n", result.Id)
}

func (self *Shell) unsub(args string) {
	if _, err := ddp.ParseRequestId(args); err != nil {
		self.out.Printf("Error parsing subscription id - try `help unsub`\n")
		return
	}
	if err := self.client.Unsubscribe(args); err != nil {
		self.printRequestErr(err)
	}
}

// remote and protocol errors were already printed from their events
func (self *Shell) printRequestErr(err error) {
	var remoteErr *ddp.RemoteCallError
	var protocolErr *ddp.ProtocolError
	switch {
	case errors.As(err, &remoteErr), errors.As(err, &protocolErr):
	case errors.Is(err, context.DeadlineExceeded):
		self.out.Printf("* TIMEOUT\n")
	default:
		self.out.Printf("* ERROR: %s\n", err)
	}
}

func (self *Shell) help(args string) {
	switch args {
	case "method":
		self.out.Printf("%s\n", strings.Join([]string{
			"method <method name> <json array of parameters>",
			"  Calls a remote method",
			`  Example: method createApp [{"name": "foo.meteor.com", "description": "bar"}]`,
		}, "\n"))
	case "sub":
		self.out.Printf("%s\n", strings.Join([]string{
			"sub <subscription name> [<json array of parameters>]",
			"  Subscribes to a remote dataset",
			`  Examples: ` + "`sub allApps`" + ` or ` + "`sub myApp [\"foo.meteor.com\"]`",
		}, "\n"))
	case "unsub":
		self.out.Printf("%s\n", strings.Join([]string{
			"unsub <subscription id>",
			"  Stops a subscription, using the id printed by `sub`",
		}, "\n"))
	default:
		self.out.Printf("Commands: method sub unsub help\n")
	}
}

// ParseCommand parses `<name> [<json array>]`. A missing array is an empty parameter list.
func ParseCommand(args string) (name string, params []any, err error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	if name == "" {
		err = fmt.Errorf("Missing name.")
		return
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		params = []any{}
		return
	}
	params = []any{}
	if err = json.Unmarshal([]byte(rest), &params); err != nil {
		return
	}
	if params == nil {
		// `null`
		params = []any{}
	}
	return
}
