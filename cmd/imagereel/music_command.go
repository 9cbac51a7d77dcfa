package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/maauso/imagereel/internal/audio"
	"github.com/maauso/imagereel/internal/bootstrap"
	"github.com/maauso/imagereel/internal/media"
)

func newMusicCommand(ctx *commandContext) *cobra.Command {
	var noProbe bool

	cmd := &cobra.Command{
		Use:   "music",
		Short: "List the tracks of the music library",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.logger(cmd.ErrOrStderr())

			var prober audio.DurationProber
			if !noProbe {
				ffmpeg, ffprobe := bootstrap.ResolveBinaries(cfg)
				prober = media.NewFFmpegProcessor(ffmpeg.Command, media.WithFFprobePath(ffprobe.Command))
			}
			lib := bootstrap.NewMusicLibrary(cfg, prober, logger)

			tracks, err := lib.List(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				if tracks == nil {
					tracks = []audio.Track{}
				}
				return writeJSON(cmd, tracks)
			}
			if len(tracks) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No tracks in %s\n", lib.Dir())
				return nil
			}

			rows := make([][]string, 0, len(tracks))
			for i, t := range tracks {
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					t.Name,
					formatSize(t.Size),
					formatSeconds(t.Duration),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Track", "Size", "Duration"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "Skip ffprobe duration lookup")
	return cmd
}
