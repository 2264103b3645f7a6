package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/quillaudio/quill/pkg/asr"
	"github.com/quillaudio/quill/pkg/audio/capture"
	"github.com/quillaudio/quill/pkg/session"
	"github.com/quillaudio/quill/pkg/speaker"
)

var runServerURL string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a live transcription session",
	Long: `Start a live session: capture the default microphone, stream
audio to the configured recognizer, and print speaker-attributed
transcript lines as they close.

While the session runs, stdin accepts commands:

  /enroll <name> <speaker>   attach a name to a diarized speaker id
  /quit                      stop the session

Stop with Ctrl-C or /quit. The transcript is saved and can be
reviewed later with "quill sessions show".`,
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVar(&runServerURL, "server", "", "recognizer WebSocket URL (overrides config)")
	rootCmd.AddCommand(runCmd)
}

// Speaker colors cycle by diarized id. Dim is shared with the preview
// and timestamp styles.
var (
	speakerColors = []lipgloss.Color{
		lipgloss.Color("#00ff9f"),
		lipgloss.Color("#ff79c6"),
		lipgloss.Color("#8be9fd"),
		lipgloss.Color("#f1fa8c"),
		lipgloss.Color("#bd93f9"),
		lipgloss.Color("#ffb86c"),
	}
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	statusStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
)

func speakerStyle(id int) lipgloss.Style {
	if id < 0 {
		return dimStyle
	}
	return lipgloss.NewStyle().Bold(true).Foreground(speakerColors[id%len(speakerColors)])
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	serverURL := cfg.ServerURL
	if runServerURL != "" {
		serverURL = runServerURL
	}
	if serverURL == "" {
		return fmt.Errorf("no recognizer configured: set server_url in %s or pass --server", cfg.Dir)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := speaker.NewRegistry(ctx,
		speaker.WithStore(store),
		speaker.WithIdentifyThreshold(cfg.IdentifyThreshold),
		speaker.WithValidationThreshold(cfg.ValidationThreshold),
	)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer registry.Close()

	var model speaker.Model
	if cfg.ModelPath != "" {
		if err := speaker.InitRuntime(""); err != nil {
			return fmt.Errorf("init onnx runtime: %w", err)
		}
		defer speaker.DestroyRuntime()
		m, err := speaker.NewORTModel(speaker.ORTModelConfig{ModelPath: cfg.ModelPath})
		if err != nil {
			return fmt.Errorf("load embedding model %s: %w", cfg.ModelPath, err)
		}
		defer m.Close()
		model = m
	} else {
		slog.Warn("no embedding model configured, speakers will not be identified")
	}

	stream, err := asr.DialWS(ctx, serverURL, &asr.WSConfig{SampleRate: cfg.SampleRate})
	if err != nil {
		return err
	}

	sess, err := session.New(session.Config{
		Registry:    registry,
		Stream:      stream,
		Model:       model,
		Store:       store,
		SampleRate:  cfg.SampleRate,
		RingSeconds: cfg.RingSeconds,
		MinAudio:    time.Duration(cfg.MinAudioMs) * time.Millisecond,
	})
	if err != nil {
		stream.Close()
		return err
	}

	dev, err := capture.Open(capture.Config{SampleRate: cfg.SampleRate}, func(c capture.Chunk) {
		if err := sess.Feed(c.Samples); err != nil {
			slog.Debug("feed dropped", "error", err)
		}
	})
	if err != nil {
		stream.Close()
		return fmt.Errorf("open microphone: %w", err)
	}
	defer dev.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	if err := dev.Start(ctx); err != nil {
		sess.Stop()
		return fmt.Errorf("start capture: %w", err)
	}

	fmt.Println(statusStyle.Render("quill") + dimStyle.Render("  listening, Ctrl-C to stop"))
	fmt.Println()

	go readCommands(ctx, stop, sess)

	renderUpdates(sess)

	dev.Close()
	stopErr := sess.Stop()
	if err := <-runErr; err != nil {
		return err
	}
	if stopErr != nil {
		return stopErr
	}
	fmt.Println()
	fmt.Println(dimStyle.Render("saved session " + sess.ID()))
	return nil
}

// renderUpdates prints closed lines permanently and keeps the current
// preview on the last terminal line, overwriting it in place.
func renderUpdates(sess *session.Session) {
	previewShown := false
	clearPreview := func() {
		if previewShown {
			fmt.Print("\r\033[K")
			previewShown = false
		}
	}
	for u := range sess.Updates() {
		clearPreview()
		for _, line := range u.Lines {
			label := speakerLabel(line.Speaker, line.Name)
			fmt.Printf("%s %s %s\n",
				dimStyle.Render(fmtTimestamp(line.StartMs)),
				speakerStyle(line.Speaker).Render(label+":"),
				line.Text)
		}
		if len(u.Preview) > 0 {
			var b strings.Builder
			for i, line := range u.Preview {
				if i > 0 {
					b.WriteString("  ")
				}
				b.WriteString(line.Text)
			}
			fmt.Print(dimStyle.Render("… " + b.String()))
			previewShown = true
		}
	}
	clearPreview()
}

// readCommands handles the stdin command channel during a session.
func readCommands(ctx context.Context, stop context.CancelFunc, sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "/enroll":
			if len(fields) != 3 {
				fmt.Println(dimStyle.Render("usage: /enroll <name> <speaker>"))
				continue
			}
			id, err := strconv.Atoi(fields[2])
			if err != nil || id < 0 {
				fmt.Println(dimStyle.Render("speaker must be a non-negative id"))
				continue
			}
			sess.EnrollSpeaker(fields[1], id)
			fmt.Println(dimStyle.Render(fmt.Sprintf("enrolling %s as speaker %d", fields[1], id)))
		case "/quit":
			stop()
			return
		default:
			fmt.Println(dimStyle.Render("commands: /enroll <name> <speaker>, /quit"))
		}
	}
}
