// Package session implements the per-connection command state machine of the
// router. It parses one command line at a time, gates everything except
// login behind authentication and forwards requests to the services over the
// bus. It never touches the network, so it can be driven directly by tests.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/internal/table"
	"github.com/marmos91/imgpull/pkg/auth"
	"github.com/marmos91/imgpull/pkg/bus"
	"github.com/marmos91/imgpull/pkg/metrics"
	"github.com/marmos91/imgpull/pkg/wire"
)

// DefaultMaxLoginStrikes is the number of rejected logins that ends a session.
const DefaultMaxLoginStrikes = 3

// Replies produced by the router itself.
const (
	ReplyLoginFirst      = "[SERVER_MAIN]: use login <user> <pass> before other commands\n"
	ReplyEmptyLogin      = "[SERVER_AUTH]: empty user and/or password, try again\n"
	ReplyAlreadyLoggedIn = "[SERVER_MAIN]: you are already logged in\n"
	ReplyUnknownCommand  = "[SERVER_MAIN]: command does not exist, use 'help' to see available commands\n"
	ReplyLockout         = "[SERVER_MAIN]: incorrect AGAIN, you are now BANNED (not really)\n"
	ReplyTooLong         = "[SERVER_MAIN]: command too long\n"
)

// ReplyClear scrolls the client terminal.
var ReplyClear = strings.Repeat("\n", 30)

// ReplyHelp lists the available commands.
var ReplyHelp = "> available commands:\n" +
	table.Indent + "clear\n" +
	table.Indent + "login <user> <pass>\n" +
	table.Indent + "user ls\n" +
	table.Indent + "user passwd <new>\n" +
	table.Indent + "file ls\n" +
	table.Indent + "file down <image_ID> <target>\n" +
	table.Indent + "exit\n\n"

// State is the login state of a session.
//
// A session starts Anonymous, moves to Authenticated on an accepted login and
// never goes back while the connection lives. Lockout and exit end the
// session instead of changing its state.
type State int

const (
	// Anonymous accepts only login, clear and exit.
	Anonymous State = iota

	// Authenticated accepts every command in commandTable.
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

// End reasons reported in Outcome.Reason.
const (
	ReasonExit    = "exit"
	ReasonLockout = "lockout"
)

// Config configures a session.
type Config struct {
	// MaxLoginStrikes rejected logins end the session. Default: 3.
	MaxLoginStrikes int

	// Metrics records login attempts. Optional.
	Metrics metrics.RouterMetrics
}

// Relay delivers a message to the client before the command reply, used
// for the begin-transfer signal.
type Relay func(ctx context.Context, msg string) error

// Outcome is the result of one command.
type Outcome struct {
	// Reply is sent to the client. It may be empty when Close is set.
	Reply string

	// Close ends the session after Reply has been sent.
	Close bool

	// Reason explains Close.
	Reason string

	// Command names the command for logs and metrics ("login", "file down").
	Command string
}

// Session is the router-side state of one control connection. It is not
// safe for concurrent use; the router drives it from a single goroutine.
type Session struct {
	bus     bus.Bus
	config  Config
	state   State
	strikes int
	user    string
}

// New creates an anonymous session that talks to the services over b.
func New(b bus.Bus, config Config) *Session {
	if config.MaxLoginStrikes <= 0 {
		config.MaxLoginStrikes = DefaultMaxLoginStrikes
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewNoopRouterMetrics()
	}
	return &Session{bus: b, config: config}
}

// State returns the current login state.
func (s *Session) State() State { return s.state }

// Strikes returns the rejected logins counted since the last success. It is
// reset by a successful login and by the end of the session.
func (s *Session) Strikes() int { return s.strikes }

// User returns the authenticated user name, or "" while anonymous.
func (s *Session) User() string { return s.user }

// Handle runs one command line through the state machine.
//
// Transitions:
//   - empty line or "exit", any state: the session ends (Close)
//   - "clear", any state: terminal clear sequence
//   - Anonymous, "login <user> <pass>": AUTH LOG; acceptance moves to
//     Authenticated, rejection adds a strike and the last allowed strike
//     ends the session with the lockout reply
//   - Anonymous, anything else: the login-first reply
//   - Authenticated: the command is looked up in commandTable
//
// Parameters:
//   - ctx: bounds the bus round trips of this command
//   - line: one raw command line; surrounding whitespace is ignored
//   - relay: delivers begin-transfer signals during "file down"; may be nil
//
// Returns the Outcome to send to the client. The error is a bus failure or
// cancellation; the session cannot continue after one.
func (s *Session) Handle(ctx context.Context, line string, relay Relay) (Outcome, error) {
	line = strings.TrimSpace(line)
	args := strings.Fields(line)

	switch {
	case len(args) == 0:
		s.reset()
		return Outcome{Close: true, Reason: ReasonExit, Command: "exit"}, nil
	case line == "exit":
		s.reset()
		return Outcome{Close: true, Reason: ReasonExit, Command: "exit"}, nil
	case line == "clear":
		return Outcome{Reply: ReplyClear, Command: "clear"}, nil
	}

	if s.state == Anonymous {
		if args[0] != "login" {
			return Outcome{Reply: ReplyLoginFirst, Command: "unauthenticated"}, nil
		}
		return s.login(ctx, args[1:])
	}
	return s.dispatch(ctx, args, relay)
}

// login asks the auth service to check the credentials and applies the
// strike policy to the answer. Missing arguments are answered locally without
// a strike.
func (s *Session) login(ctx context.Context, args []string) (Outcome, error) {
	out := Outcome{Command: "login"}
	if len(args) < 2 {
		out.Reply = ReplyEmptyLogin
		return out, nil
	}

	reply, err := s.request(ctx, bus.TagAuth, fmt.Sprintf("%s LOG %s %s", auth.Verb, args[0], args[1]))
	if err != nil {
		return s.requestFailed(out, err)
	}

	if strings.HasPrefix(reply, auth.FailurePrefix) {
		s.config.Metrics.RecordLogin(false)
		s.strikes++
		logger.Debug("Login for %q rejected (strike %d of %d)", args[0], s.strikes, s.config.MaxLoginStrikes)
		if s.strikes > s.config.MaxLoginStrikes-1 {
			logger.Info("Session locked out after %d rejected logins", s.strikes)
			s.reset()
			return Outcome{Reply: ReplyLockout, Close: true, Reason: ReasonLockout, Command: "login"}, nil
		}
		out.Reply = reply
		return out, nil
	}

	s.config.Metrics.RecordLogin(true)
	s.state = Authenticated
	s.strikes = 0
	s.user = args[0]
	out.Reply = reply
	return out, nil
}

// commandHandler runs one authenticated command. args holds the words after
// the command name.
type commandHandler func(s *Session, ctx context.Context, args []string, relay Relay) (Outcome, error)

// commandInfo describes an authenticated command for dispatch.
type commandInfo struct {
	// Name is the command as typed, used for logs and metrics.
	Name string

	// Handler processes the command.
	Handler commandHandler

	// MinArgs is the number of arguments below which the help text is
	// returned instead of running Handler.
	MinArgs int

	// Group marks a command word ("user", "file") that only matches when
	// typed alone; followed by an unknown subcommand it is an unknown
	// command.
	Group bool
}

// commandTable maps command names, one or two words, to their handlers.
// Two-word entries are tried first.
var commandTable map[string]*commandInfo

func init() {
	commandTable = map[string]*commandInfo{
		"login": {
			Name:    "login",
			Handler: handleLoginAgain,
		},
		"help": {
			Name:    "help",
			Handler: handleHelp,
		},
		"user": {
			Name:    "help",
			Handler: handleHelp,
			Group:   true,
		},
		"file": {
			Name:    "help",
			Handler: handleHelp,
			Group:   true,
		},
		"user ls": {
			Name:    "user ls",
			Handler: forwardTo("user ls", bus.TagAuth, func([]string) string { return auth.Verb + " LS" }),
		},
		"user passwd": {
			Name:    "user passwd",
			Handler: forwardTo("user passwd", bus.TagAuth, func(args []string) string { return auth.Verb + " PASS " + args[0] }),
			MinArgs: 1,
		},
		"file ls": {
			Name:    "file ls",
			Handler: forwardTo("file ls", bus.TagFile, func([]string) string { return "FILE LS" }),
		},
		"file down": {
			Name:    "file down",
			Handler: (*Session).download,
		},
	}
}

// dispatch looks up an authenticated command in commandTable.
func (s *Session) dispatch(ctx context.Context, args []string, relay Relay) (Outcome, error) {
	if len(args) >= 2 {
		if cmd, ok := commandTable[args[0]+" "+args[1]]; ok {
			return s.run(ctx, cmd, args[2:], relay)
		}
	}
	if cmd, ok := commandTable[args[0]]; ok && (!cmd.Group || len(args) == 1) {
		return s.run(ctx, cmd, args[1:], relay)
	}
	return Outcome{Reply: ReplyUnknownCommand, Command: "unknown"}, nil
}

func (s *Session) run(ctx context.Context, cmd *commandInfo, args []string, relay Relay) (Outcome, error) {
	if len(args) < cmd.MinArgs {
		return Outcome{Reply: ReplyHelp, Command: "help"}, nil
	}
	logger.Debug("Dispatching %s for %q", cmd.Name, s.user)
	return cmd.Handler(s, ctx, args, relay)
}

func handleLoginAgain(*Session, context.Context, []string, Relay) (Outcome, error) {
	return Outcome{Reply: ReplyAlreadyLoggedIn, Command: "login"}, nil
}

func handleHelp(*Session, context.Context, []string, Relay) (Outcome, error) {
	return Outcome{Reply: ReplyHelp, Command: "help"}, nil
}

// forwardTo builds a handler that sends one request to tag and returns the
// service reply unchanged.
func forwardTo(name string, tag bus.Tag, body func(args []string) string) commandHandler {
	return func(s *Session, ctx context.Context, args []string, _ Relay) (Outcome, error) {
		return s.forward(ctx, name, tag, body(args))
	}
}

// forward sends one request and returns the service reply unchanged.
func (s *Session) forward(ctx context.Context, command string, tag bus.Tag, body string) (Outcome, error) {
	out := Outcome{Command: command}
	reply, err := s.request(ctx, tag, body)
	if err != nil {
		return s.requestFailed(out, err)
	}
	out.Reply = reply
	return out, nil
}

// download forwards the request and relays every begin-transfer signal to
// the client until the final status arrives.
func (s *Session) download(ctx context.Context, args []string, relay Relay) (Outcome, error) {
	out := Outcome{Command: "file down"}
	body := strings.TrimSpace("FILE DOWN " + strings.Join(args, " "))
	if err := s.bus.Send(ctx, bus.TagFile, body); err != nil {
		return s.requestFailed(out, err)
	}

	for {
		msg, err := s.bus.Receive(ctx, bus.TagMain)
		if err != nil {
			return out, err
		}
		if _, ok := wire.ParseTransferSignal(msg); !ok {
			out.Reply = msg
			return out, nil
		}
		logger.Debug("Relaying transfer signal %q", msg)
		if relay != nil {
			if err := relay(ctx, msg); err != nil {
				return out, fmt.Errorf("relay transfer signal: %w", err)
			}
		}
	}
}

// request sends body to tag and waits for the service reply on MAIN.
func (s *Session) request(ctx context.Context, tag bus.Tag, body string) (string, error) {
	if err := s.bus.Send(ctx, tag, body); err != nil {
		return "", err
	}
	return s.bus.Receive(ctx, bus.TagMain)
}

// requestFailed turns an oversized request into a reply and passes every
// other bus error up.
func (s *Session) requestFailed(out Outcome, err error) (Outcome, error) {
	if errors.Is(err, bus.ErrMessageTooLarge) {
		out.Reply = ReplyTooLong
		return out, nil
	}
	return out, err
}

// reset returns the session to its initial anonymous state.
func (s *Session) reset() {
	s.state = Anonymous
	s.strikes = 0
	s.user = ""
}
