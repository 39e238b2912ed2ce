package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/BigOD2307/africa-strategy-platform/internal/normalize"
	"github.com/BigOD2307/africa-strategy-platform/internal/schema"
	"github.com/spf13/cobra"
)

func newNormalizeCmd() *cobra.Command {
	var (
		stage      string
		schemaPath string
	)
	cmd := &cobra.Command{
		Use:   "normalize [payload.json|-]",
		Short: "Normalize one raw stage payload and print the canonical record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := schema.Default()
			if schemaPath != "" {
				var err error
				if s, err = schema.Load(schemaPath); err != nil {
					return err
				}
			}
			id, ok := s.ResolveStageID(stage)
			if !ok {
				return fmt.Errorf("unknown stage %q", stage)
			}
			raw, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			a, manifest, err := normalize.New(s).Normalize(id, raw)
			if err != nil {
				return err
			}
			if manifest == nil {
				manifest = normalize.Manifest{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Canonical *normalize.Analysis `json:"canonical"`
				Defaulted normalize.Manifest  `json:"defaulted"`
			}{a, manifest})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage id or backend alias (bloc1, risques, ...)")
	cmd.Flags().StringVar(&schemaPath, "schema", "", "canonical schema file (built-in schema by default)")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func readPayload(stdin io.Reader, name string) (json.RawMessage, error) {
	if name == "-" {
		blob, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return blob, nil
	}
	blob, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return blob, nil
}
