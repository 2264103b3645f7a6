package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillaudio/quill/pkg/kv"
	"github.com/quillaudio/quill/pkg/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Review recorded sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := session.ListRecords(cmd.Context(), store)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No recorded sessions.")
			return nil
		}
		for _, rec := range records {
			dur := rec.EndedAt.Sub(rec.StartedAt).Round(time.Second)
			fmt.Printf("%s  %s  %v  %d lines\n",
				rec.ID,
				rec.StartedAt.Local().Format("2006-01-02 15:04"),
				dur,
				len(rec.Lines))
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the transcript of one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		rec, err := session.LoadRecord(cmd.Context(), store, args[0])
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return fmt.Errorf("no session %s", args[0])
			}
			return fmt.Errorf("load session: %w", err)
		}

		fmt.Printf("Session %s, %s\n\n", rec.ID,
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
		for _, e := range rec.Lines {
			fmt.Printf("[%8s] %s: %s\n", fmtTimestamp(e.StartMs), speakerLabel(e.Speaker, e.Name), e.Text)
		}
		return nil
	},
}

// fmtTimestamp renders a session-relative millisecond offset as m:ss.
func fmtTimestamp(ms int64) string {
	secs := ms / 1000
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// speakerLabel prefers the resolved name, falling back to the numeric id.
func speakerLabel(id int, name string) string {
	if name != "" {
		return name
	}
	if id < 0 {
		return "?"
	}
	return fmt.Sprintf("Speaker %d", id)
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}
