package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/maauso/imagereel/internal/bootstrap"
	"github.com/maauso/imagereel/internal/job"
)

// errNoJobDatabase is returned when no job history database is configured.
var errNoJobDatabase = errors.New("JOB_DB_PATH is not set; job history is only kept by a running server")

type jobSummary struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Images          int       `json:"images"`
	DurationSeconds float64   `json:"duration_seconds"`
	Music           string    `json:"music,omitempty"`
	Output          string    `json:"output,omitempty"`
	VideoURL        string    `json:"video_url,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recorded composition jobs, newest first",
		Long:  "Reads the job history database set by JOB_DB_PATH.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.JobDBPath == "" {
				return errNoJobDatabase
			}

			repo, closeRepo, err := bootstrap.NewRepository(cmd.Context(), cfg, ctx.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer func() { _ = closeRepo() }()

			jobs, err := repo.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if limit > 0 && len(jobs) > limit {
				jobs = jobs[:limit]
			}

			summaries := make([]jobSummary, 0, len(jobs))
			for _, j := range jobs {
				summaries = append(summaries, summarize(j))
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs recorded")
				return nil
			}

			rows := make([][]string, 0, len(summaries))
			for _, s := range summaries {
				outcome := s.Output
				if s.ErrorCode != "" {
					outcome = s.ErrorCode
				}
				rows = append(rows, []string{
					s.ID,
					s.Status,
					strconv.Itoa(s.Images),
					formatSeconds(s.DurationSeconds),
					s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					outcome,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Status", "Images", "Duration", "Created", "Result"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs to show (0 for all)")
	return cmd
}

func summarize(j *job.Job) jobSummary {
	s := jobSummary{
		ID:              j.ID,
		Status:          string(j.Status),
		Images:          j.ImageCount,
		DurationSeconds: j.ExpectedDuration(),
		Music:           j.MusicTrack,
		Output:          j.OutputPath,
		VideoURL:        j.VideoURL,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
	}
	if j.ErrorKind != "" {
		s.ErrorCode = j.ErrorKind.Code()
	}
	return s
}
