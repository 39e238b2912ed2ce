package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/config"
	"github.com/BigOD2307/africa-strategy-platform/internal/engine"
	"github.com/BigOD2307/africa-strategy-platform/internal/report"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var (
		questionnaire string
		sessionID     string
		format        string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Submit or resume one session and follow it to completion",
		Example: `  strategy-engine watch --questionnaire answers.json
  strategy-engine watch --session 4f1c --format md`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (questionnaire == "") == (sessionID == "") {
				return fmt.Errorf("exactly one of --questionnaire or --session is required")
			}
			if format != "json" && format != "md" {
				return fmt.Errorf("unknown --format %q", format)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cfg, cmd.OutOrStdout(), questionnaire, sessionID, format)
		},
	}
	cmd.Flags().StringVarP(&questionnaire, "questionnaire", "q", "", "questionnaire JSON file to submit")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "existing session to resume")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "final output: json aggregate or md report")
	return cmd
}

func watch(ctx context.Context, cfg config.Config, out io.Writer, questionnaire, sessionID, format string) error {
	rt, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	e := engine.New(rt.client, rt.cfg, rt.opts)
	defer e.Close()

	cancel := e.Subscribe(func(ev engine.Event) {
		line := fmt.Sprintf("%5.1f%%  %-12s %s", ev.Progress, ev.Stage, ev.Status)
		if len(ev.Faults) > 0 {
			line += "  " + strings.Join(ev.Faults, "; ")
		}
		fmt.Fprintln(os.Stderr, line)
	})
	defer cancel()

	if questionnaire != "" {
		blob, err := os.ReadFile(questionnaire)
		if err != nil {
			return fmt.Errorf("read questionnaire: %w", err)
		}
		sess, err := e.Submit(ctx, json.RawMessage(blob))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "session %s submitted\n", sess.ID)
	} else if _, err := e.Resume(ctx, sessionID); err != nil {
		return err
	}

	if snap, err := e.Status(); err == nil && !snap.Complete {
		select {
		case <-e.Done():
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "interrupted, printing partial results")
		}
	}
	if state, reason := e.PollerState(); reason != "" {
		rt.logger.Info("polling finished", "state", state, "reason", reason)
	}

	agg, err := e.GetDerivedAggregate()
	if err != nil {
		return err
	}
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(agg)
	}
	snap, err := e.Status()
	if err != nil {
		return err
	}
	in := report.Input{
		SessionID:   snap.SessionID,
		GeneratedAt: time.Now().UTC(),
		Schema:      e.Schema(),
		Analyses:    e.GetAllCanonical(),
		Aggregate:   agg,
	}
	for _, st := range snap.Stages {
		in.Stages = append(in.Stages, report.StageState{ID: st.ID, Status: st.Status, Error: st.Error})
	}
	_, err = io.WriteString(out, report.BuildMarkdown(in))
	return err
}
