// Voxpair CLI entry point.
//
// Voxpair pairs you with a random stranger for a voice chat (with optional
// video upgrade), or calls a known identity directly. There is no
// matchmaking server: both sides derive the same rendezvous names and meet
// through the broker's naming namespace.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-mode, -criteria, -target).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"

	"github.com/voxpair/voxpair/internal/app"
	"github.com/voxpair/voxpair/internal/broker"
	"github.com/voxpair/voxpair/internal/config"
	"github.com/voxpair/voxpair/internal/media"
	"github.com/voxpair/voxpair/internal/session"
	"github.com/voxpair/voxpair/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mode := flag.String("mode", "", "Mode: match, call, or listen")
	criteria := flag.String("criteria", "", "Matching criteria (e.g. language tag)")
	target := flag.String("target", "", "Identity to call (call mode only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		pterm.Error.Printfln("invalid configuration: %v", err)
		os.Exit(1)
	}
	if *debugMode {
		cfg.LogLevel = "debug"
	}
	if *criteria != "" {
		cfg.Criteria = *criteria
	}
	util.SetupLogging(cfg.LogLevel)

	pterm.Info.Println(fmt.Sprintf("Voxpair — v%s", version))
	pterm.Println()

	var b broker.Broker
	if cfg.BrokerMode == "memory" {
		b = broker.NewMemory()
	} else {
		b = broker.NewWS(cfg.BrokerURL)
	}
	client := app.New(cfg, b, media.Synthetic{})

	if cfg.MetricsAddr != "" {
		go util.ServeMetrics(ctx, cfg.MetricsAddr)
	}

	switch *mode {
	case "":
		runInteractive(ctx, client, cfg)
	case "match":
		client.Start(ctx)
		runEventLoop(ctx, client)
	case "call":
		if *target == "" {
			pterm.Error.Println("missing -target for call mode")
			os.Exit(1)
		}
		client.CallDirect(ctx, *target)
		runEventLoop(ctx, client)
	case "listen":
		if err := client.Listen(ctx); err != nil {
			pterm.Error.Printfln("cannot listen: %v", err)
			os.Exit(1)
		}
		pterm.Info.Printfln("reachable as %s — waiting for calls", cfg.Identity)
		runEventLoop(ctx, client)
	default:
		pterm.Error.Println("invalid -mode: must be match, call, or listen")
		os.Exit(1)
	}
}

// runInteractive falls back to prompts when no -mode flag is provided.
func runInteractive(ctx context.Context, client *app.Client, cfg *config.Config) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Match  — Talk to a random stranger",
			"Call   — Dial a known identity",
			"Listen — Wait for incoming calls",
		}).
		WithDefaultText("What would you like to do").
		Show()
	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Match"):
		client.Start(ctx)
	case strings.HasPrefix(choice, "Call"):
		target, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Identity to call").
			Show()
		client.CallDirect(ctx, strings.TrimSpace(target))
	default:
		if err := client.Listen(ctx); err != nil {
			pterm.Error.Printfln("cannot listen: %v", err)
			os.Exit(1)
		}
		pterm.Info.Printfln("reachable as %s — waiting for calls", cfg.Identity)
	}
	runEventLoop(ctx, client)
}

// runEventLoop renders protocol events and reads line commands until
// shutdown. Commands: /video, /novideo, /hangup, /accept, /reject, /quit;
// anything else is sent as chat.
func runEventLoop(ctx context.Context, client *app.Client) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			client.Hangup()
			pterm.Println()
			pterm.Info.Println("bye")
			return

		case ev := <-client.Events():
			renderEvent(ev)

		case line, ok := <-lines:
			if !ok {
				client.Hangup()
				return
			}
			if !handleCommand(ctx, client, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

func handleCommand(ctx context.Context, client *app.Client, line string) bool {
	switch line {
	case "":
	case "/quit":
		client.Hangup()
		return false
	case "/hangup":
		client.Hangup()
	case "/video":
		if err := client.UpgradeVideo(ctx); err != nil {
			pterm.Warning.Printfln("video: %v", err)
		}
	case "/novideo":
		if err := client.DowngradeVideo(ctx); err != nil {
			pterm.Warning.Printfln("video: %v", err)
		}
	case "/accept":
		if err := client.AcceptCall(ctx); err != nil {
			pterm.Warning.Printfln("accept: %v", err)
		}
	case "/reject":
		if err := client.RejectCall(); err != nil {
			pterm.Warning.Printfln("reject: %v", err)
		}
	default:
		if err := client.SendMessage(ctx, line); err != nil {
			pterm.Warning.Printfln("chat: %v", err)
		}
	}
	return true
}

func renderEvent(ev app.Event) {
	switch {
	case ev.Err != nil:
		pterm.Error.Println(ev.Err.Message())
		if ev.Err.Retryable {
			pterm.Info.Println("press Ctrl+C to exit, or restart to retry")
		}
	case ev.Incoming != "":
		pterm.Info.Printfln("incoming call from %s — /accept or /reject", ev.Incoming)
	case ev.Session != nil:
		renderSessionEvent(ev.Session)
	case ev.State == app.StateMatching:
		pterm.Info.Println("looking for a partner…")
	case ev.State == app.StateConnected:
		pterm.Success.Println("connected — say hi")
	case ev.State == app.StateIdle:
		pterm.Info.Println("back to idle")
	}
}

func renderSessionEvent(ev *session.Event) {
	switch ev.Type {
	case session.EventChat:
		pterm.Println(pterm.Cyan("them: ") + ev.Text)
	case session.EventRemoteVideo:
		if ev.On {
			pterm.Info.Println("partner turned video on")
		} else {
			pterm.Info.Println("partner turned video off")
		}
	case session.EventState:
		log.Debug().Str("state", ev.State).Msg("session state")
	}
}
