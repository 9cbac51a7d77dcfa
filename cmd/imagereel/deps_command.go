package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/maauso/imagereel/internal/bootstrap"
	"github.com/maauso/imagereel/internal/media"
)

// errMissingBinaries is returned when ffmpeg or ffprobe cannot be found.
var errMissingBinaries = errors.New("required binaries are missing")

const versionProbeTimeout = 5 * time.Second

type dependencyStatus struct {
	Name      string `json:"name"`
	Command   string `json:"command"`
	Source    string `json:"source"`
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
}

func newDepsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Show which ffmpeg and ffprobe binaries will be executed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			ffmpeg, ffprobe := bootstrap.ResolveBinaries(cfg)
			statuses := []dependencyStatus{
				describeBinary(cmd.Context(), ffmpeg),
				describeBinary(cmd.Context(), ffprobe),
			}

			if ctx.jsonOutput {
				if err := writeJSON(cmd, statuses); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, len(statuses))
				for _, s := range statuses {
					rows = append(rows, []string{s.Name, s.Command, s.Source, yesNo(s.Available), s.Version})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Binary", "Command", "Source", "Found", "Version"},
					rows,
					nil,
				))
			}

			for _, s := range statuses {
				if !s.Available {
					return errMissingBinaries
				}
			}
			return nil
		},
	}
}

func describeBinary(ctx context.Context, b media.Binary) dependencyStatus {
	status := dependencyStatus{
		Name:      b.Name,
		Command:   b.Command,
		Source:    b.Source,
		Available: b.Available,
	}
	if b.Available {
		status.Version = binaryVersion(ctx, b.Command)
	}
	return status
}

// binaryVersion returns the first line of `<command> -version`, or "" when
// the binary cannot be run.
func binaryVersion(ctx context.Context, command string) string {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, command, "-version").Output() // #nosec G204 - resolved binary path
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line)
}
