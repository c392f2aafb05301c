package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

const (
	defaultSeedSource = "bulk_script"
	defaultSeedNotes  = "batch import"
)

// seedEntry is one channel to add. Source and Notes fall back to the command
// flags when empty.
type seedEntry struct {
	Identifier string `yaml:"identifier"`
	Source     string `yaml:"source"`
	Notes      string `yaml:"notes"`
}

type seedFile struct {
	Channels []seedEntry `yaml:"channels"`
}

// newSeedCmd creates the 'seed' subcommand, which adds every channel listed
// in a file. Plain files hold one identifier per line ('#' starts a comment);
// .yaml/.yml files hold a "channels" list with per-entry provenance.
func newSeedCmd() *cobra.Command {
	var source, notes string
	cmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Bulk add channels from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context())

			entries, err := loadSeedFile(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("seed file %s lists no channels", args[0])
			}

			logger := appInstance.Logger()
			graph := appInstance.Graph()
			var result botnet.BatchResult
			for _, e := range entries {
				prov := botnet.Provenance{Source: orDefault(e.Source, source), Notes: orDefault(e.Notes, notes)}
				res, err := graph.AddChannel(cmd.Context(), e.Identifier, prov)
				if err != nil {
					logger.Warn("seed channel failed", zap.String("identifier", e.Identifier), zap.Error(err))
					result.Add(botnet.Failed(e.Identifier, err))
					continue
				}
				result.Add(botnet.Succeeded(e.Identifier, res.Channel.ID))
			}
			logger.Info("seed complete", zap.Int("succeeded", result.Succeeded), zap.Int("failed", result.Failed))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if result.Failed > 0 {
				return fmt.Errorf("seed: %d of %d channels failed", result.Failed, len(result.Outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", defaultSeedSource, "provenance source for entries that do not set one")
	cmd.Flags().StringVar(&notes, "notes", defaultSeedNotes, "provenance notes for entries that do not set them")
	return cmd
}

func loadSeedFile(path string) ([]seedEntry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseSeedYAML(data)
	default:
		return parseSeedLines(data)
	}
}

func parseSeedYAML(data []byte) ([]seedEntry, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse seed yaml: %w", err)
	}
	out := make([]seedEntry, 0, len(file.Channels))
	for i, e := range file.Channels {
		e.Identifier = strings.TrimSpace(e.Identifier)
		if e.Identifier == "" {
			return nil, fmt.Errorf("parse seed yaml: channels[%d] has no identifier", i)
		}
		out = append(out, e)
	}
	return out, nil
}

func parseSeedLines(data []byte) ([]seedEntry, error) {
	var out []seedEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, seedEntry{Identifier: line})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Join(errors.New("read seed lines"), err)
	}
	return out, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
