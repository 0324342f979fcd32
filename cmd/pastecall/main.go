// Pastecall — CLI entry point.
//
// This tool establishes a direct P2P media connection over WebRTC with no
// signaling server: each side's negotiation bundle is printed as a single
// paste-safe token that the users relay by hand (chat, e-mail, clipboard).
// The share side streams pre-encoded media files; the view side writes the
// received tracks to disk.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -video, -audio, -bitrate, -out).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/pterm/pterm"

	"github.com/pastecall/pastecall/internal/bundle"
	"github.com/pastecall/pastecall/internal/media"
	"github.com/pastecall/pastecall/internal/session"
	"github.com/pastecall/pastecall/internal/transport"
	"github.com/pastecall/pastecall/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: share or view")
	videoPath := flag.String("video", "", "IVF video file to share (share only)")
	audioPath := flag.String("audio", "", "Ogg/Opus audio file to share (share only)")
	bitrate := flag.Uint64("bitrate", 2_000_000, "Video bitrate ceiling in bits per second (share only)")
	outDir := flag.String("out", ".", "Directory for received media (view only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Pastecall — v%s", version))
	pterm.Println()

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, *bitrate, *outDir)

	case "share":
		if *videoPath == "" && *audioPath == "" {
			util.LogError("missing -video and/or -audio for share role")
			os.Exit(1)
		}
		runShare(ctx, *videoPath, *audioPath, *bitrate)

	case "view":
		runView(ctx, *outDir)

	default:
		util.LogError("invalid -role: must be 'share' or 'view'")
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role flag is
// provided.
func runInteractive(ctx context.Context, bitrate uint64, outDir string) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Share — Stream local media to a peer", "View  — Receive a peer's media"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Share") {
		videoPath := askPath("IVF video file to share (empty to skip)", true)
		audioPath := askPath("Ogg audio file to share (empty to skip)", true)
		if videoPath == "" && audioPath == "" {
			util.LogError("at least one media file is required")
			os.Exit(1)
		}
		runShare(ctx, videoPath, audioPath, bitrate)
	} else {
		runView(ctx, outDir)
	}
}

// runShare executes the offering side: emit the offer token, apply the
// pasted answer token, then stream the local files until they end.
func runShare(ctx context.Context, videoPath, audioPath string, bitrate uint64) {
	src, err := media.Open(videoPath, audioPath)
	if err != nil {
		util.LogError("open media source: %v", err)
		os.Exit(1)
	}
	defer src.Close()

	ctrl := session.NewController(func() (transport.Peer, error) {
		return transport.New()
	})

	tokenCh := make(chan string, 1)
	sess, err := ctrl.StartOffer(src.Tracks(), bitrate, func(token string) {
		tokenCh <- token
	})
	if err != nil {
		util.LogError("start offer: %v", err)
		os.Exit(1)
	}
	defer sess.Discard()

	select {
	case token := <-tokenCh:
		presentToken("offer", token)
	case <-ctx.Done():
		return
	}

	// Paste loop: a bad token is a retry, not a failure.
	for {
		token := askToken("Paste the answer token")
		if err := ctrl.ApplyAnswer(token); err != nil {
			var de *bundle.DecodeError
			if errors.As(err, &de) {
				util.LogWarning("%v", err)
				continue
			}
			util.LogError("apply answer: %v", err)
			os.Exit(1)
		}
		break
	}

	select {
	case <-sess.Ready():
	case <-ctx.Done():
		return
	}

	util.StartStatsReporter(ctx)
	util.LogSuccess("P2P connection established — streaming local media")
	src.Stream()

	select {
	case <-src.Done():
		util.LogInfo("local source ended — tearing down")
	case <-ctx.Done():
	}
}

// runView executes the answering side: apply the pasted offer token, emit
// the answer token, then write received tracks to disk.
func runView(ctx context.Context, outDir string) {
	tr, err := transport.New()
	if err != nil {
		util.LogError("create transport: %v", err)
		os.Exit(1)
	}

	sink := media.NewSink(outDir)
	sink.Bind(ctx, tr)

	tokenCh := make(chan string, 1)
	sess := session.New(bundle.RoleAnswer, tr, func(token string) {
		tokenCh <- token
	})
	defer sess.Discard()

	// Paste loop: a bad token leaves the session in Idle for another try.
	for {
		token := askToken("Paste the offer token")
		if err := sess.Accept(token); err != nil {
			var de *bundle.DecodeError
			if errors.As(err, &de) {
				util.LogWarning("%v", err)
				continue
			}
			util.LogError("accept offer: %v", err)
			os.Exit(1)
		}
		break
	}

	select {
	case token := <-tokenCh:
		presentToken("answer", token)
	case <-ctx.Done():
		return
	}

	select {
	case <-sess.Ready():
	case <-ctx.Done():
		return
	}

	util.StartStatsReporter(ctx)
	util.LogSuccess("P2P connection established — writing remote media to %s", outDir)

	// Audio stays muted until this explicit user action.
	enable, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText("Enable audio recording?").
		Show()
	if enable {
		if err := sink.EnableAudio(); err != nil {
			util.LogWarning("%v — sink stays muted", err)
		}
	}

	<-ctx.Done()
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// presentToken prints a bundle token for manual relay and copies it to the
// clipboard when one is available.
func presentToken(kind, token string) {
	pterm.Println()
	pterm.Printf("── %s token — send this to your peer ──\n", kind)
	pterm.Println()
	fmt.Println(token)
	pterm.Println()

	if err := clipboard.WriteAll(token); err == nil {
		util.LogInfo("%s token copied to clipboard", kind)
	} else {
		util.LogDebug("clipboard unavailable: %v", err)
	}
}

// askToken prompts for a pasted token; an empty answer falls back to the
// clipboard.
func askToken(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt + " (empty = read clipboard)").
			Show()

		raw = strings.TrimSpace(raw)
		if raw != "" {
			pterm.Println()
			return raw
		}

		if clip, err := clipboard.ReadAll(); err == nil && strings.TrimSpace(clip) != "" {
			pterm.Println()
			return clip
		}

		util.LogWarning("nothing pasted and clipboard is empty")
		pterm.Println()
	}
}

// askPath prompts for a file path until an existing file (or, if optional,
// an empty answer) is entered.
func askPath(prompt string, optional bool) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" && optional {
			pterm.Println()
			return ""
		}
		if _, err := os.Stat(raw); err == nil {
			pterm.Println()
			return raw
		}

		util.LogWarning("file not found: %s", raw)
		pterm.Println()
	}
}
