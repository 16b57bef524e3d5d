package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Kystof91/zvonilka/internal/adapters/media"
	"github.com/Kystof91/zvonilka/internal/adapters/rtc"
	"github.com/Kystof91/zvonilka/internal/call"
	"github.com/Kystof91/zvonilka/internal/client"
	"github.com/Kystof91/zvonilka/internal/config"
	"github.com/Kystof91/zvonilka/internal/domain"
)

// consoleNotifier prints call events straight to the terminal; the
// prompt is a plain stdin reader so there is no UI state to sync.
type consoleNotifier struct{}

func (consoleNotifier) StateChanged(st call.State) {
	fmt.Printf("▶ %s\n", st)
}

func (consoleNotifier) IncomingCall(from domain.PeerID, name string) {
	who := string(from)
	if name != "" {
		who = fmt.Sprintf("%s (%s)", name, from)
	}
	fmt.Printf("☎ incoming call from %s — type 'answer' or 'reject'\n", who)
}

func (consoleNotifier) RemoteStream(rs call.RemoteStream) {
	fmt.Printf("🔊 remote audio up (%s)\n", rs.ID())
}

func (consoleNotifier) Failure(err error) {
	fmt.Printf("✖ %v\n", err)
}

func main() {
	code := flag.String("code", "", "own dial code (4 digits, generated when empty)")
	name := flag.String("name", "", "display name shown to the remote side")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	self := domain.PeerID(domain.SanitizePeerID(*code))
	if *code == "" {
		self = domain.GeneratePeerID()
	} else if !self.Valid() {
		log.Fatal().Str("code", *code).Msg("dial code must be 4 digits")
	}
	if err := domain.ValidateDisplayName(*name); *name != "" && err != nil {
		log.Fatal().Err(err).Msg("display name")
	}

	mic, err := media.NewMicrophone()
	if err != nil {
		log.Fatal().Err(err).Msg("microphone setup")
	}

	sock, err := client.Dial(ctx, cfg.ServerURL, self, *name)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.ServerURL).Msg("connect to relay")
	}
	defer sock.Close()

	sess := call.NewSession(call.Config{
		Self:        self,
		DisplayName: *name,
		RingTimeout: cfg.RingTimeout,
	}, sock, rtc.NewFactory(mic.API(), cfg.StunURLs), mic, consoleNotifier{})
	defer sess.Close()

	fmt.Printf("Your dial code: %s\n", self)
	fmt.Println("Commands: call <code>, answer, reject, end, mute, status, quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			sess.End()
			return
		case line, ok := <-lines:
			if !ok {
				sess.End()
				return
			}
			if !dispatch(ctx, sess, line) {
				return
			}
		}
	}
}

// dispatch runs one console command. Returns false on quit.
func dispatch(ctx context.Context, sess *call.Session, line string) bool {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			fmt.Println("usage: call <code>")
			return true
		}
		if err := sess.Start(ctx, domain.PeerID(fields[1])); err != nil {
			fmt.Printf("✖ %v\n", err)
		}
	case "answer":
		if err := sess.Answer(ctx); err != nil {
			fmt.Printf("✖ %v\n", err)
		}
	case "reject":
		if err := sess.Reject(); err != nil {
			fmt.Printf("✖ %v\n", err)
		}
	case "end":
		sess.End()
	case "mute":
		if sess.ToggleMute() {
			fmt.Println("🔇 muted")
		} else {
			fmt.Println("🎙 live")
		}
	case "status":
		if inc, ok := sess.Incoming(); ok {
			fmt.Printf("state=%s incoming=%s muted=%v\n", sess.State(), inc.From, sess.Muted())
		} else {
			fmt.Printf("state=%s remote=%s muted=%v\n", sess.State(), sess.Remote(), sess.Muted())
		}
	case "quit", "exit":
		sess.End()
		return false
	default:
		fmt.Println("commands: call <code>, answer, reject, end, mute, status, quit")
	}
	return true
}
