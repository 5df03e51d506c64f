package cmd

import (
	"bufio"
	"os"

	"github.com/spf13/cobra"

	"github.com/brainkeep/externalbrain/internal/session"
)

func newSessionCmd() *cobra.Command {
	var projectID, file string

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run an append-only session end to end: start, add turns, end",
		Long: `session reads alternating user/assistant lines from --file (or
stdin, one line per turn) and replays them through start_session,
add_event, and end_session in a single process, since the append-only
session buffer lives in process memory for the lifetime of one run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			in := os.Stdin
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			metadata := map[string]string{}
			if projectID != "" {
				metadata["project_id"] = projectID
			}
			sessionID := a.StartSession(metadata)

			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			role := "user"
			for scanner.Scan() {
				line := scanner.Text()
				if line == "" {
					continue
				}
				if err := a.AddEvent(sessionID, session.Event{Role: role, Content: line}); err != nil {
					return err
				}
				if role == "user" {
					role = "assistant"
				} else {
					role = "user"
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}

			memoryID, err := a.EndSession(ctx, sessionID)
			if err != nil {
				return err
			}
			if err := a.Persist(); err != nil {
				return err
			}
			return printJSON(map[string]string{"session_id": sessionID, "memory_id": memoryID})
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "project id to attach the session's memory to")
	cmd.Flags().StringVar(&file, "file", "", "file of alternating user/assistant lines (default: stdin)")
	return cmd
}
