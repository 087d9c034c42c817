package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chicogong/media-dubbing/pkg/api"
	"github.com/chicogong/media-dubbing/pkg/schemas"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show server health, or the status of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ctx.client()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				var health map[string]any
				if err := client.get(cmd.Context(), "/health", nil, &health); err != nil {
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(out, health)
				}
				fmt.Fprintf(out, "Server:       %s\n", ctx.serverURL())
				fmt.Fprintf(out, "Status:       %v\n", health["status"])
				fmt.Fprintf(out, "Running jobs: %v\n", health["running_jobs"])
				return nil
			}

			jobID := args[0]
			for {
				var status schemas.JobStatus
				if err := client.get(cmd.Context(), "/api/v1/jobs/"+url.PathEscape(jobID), nil, &status); err != nil {
					return err
				}
				if ctx.jsonFlag {
					if err := writeJSON(out, status); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(out, renderJobDetail(&status))
				}
				if !watch || status.Status.IsTerminal() {
					return nil
				}
				if err := sleepContext(cmd.Context(), interval); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", api.DefaultPollInterval, "Polling interval with --watch")
	return cmd
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var (
		status   []string
		movieID  string
		language string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List dubbing jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if len(status) > 0 {
				query.Set("status", strings.Join(status, ","))
			}
			if movieID != "" {
				query.Set("movie_id", movieID)
			}
			if language != "" {
				query.Set("target_language", language)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				query.Set("offset", strconv.Itoa(offset))
			}

			var jobs []schemas.JobStatus
			if err := ctx.client().get(cmd.Context(), "/api/v1/jobs", query, &jobs); err != nil {
				return err
			}
			if ctx.jsonFlag {
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobs(jobs))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&status, "status", nil, "Filter by status (pending, processing, completed, failed)")
	cmd.Flags().StringVar(&movieID, "movie", "", "Filter by movie id")
	cmd.Flags().StringVar(&language, "language", "", "Filter by target language")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of jobs to skip")

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel an active job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status schemas.JobStatus
			if err := ctx.client().do(cmd.Context(), http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(args[0]), nil, &status); err != nil {
				return err
			}
			if ctx.jsonFlag {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s (status %s)\n", status.ID, status.Status)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge <job-id>",
		Short: "Delete a finished job, its track and audio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().do(cmd.Context(), http.MethodPost, "/api/v1/jobs/"+url.PathEscape(args[0])+"/purge", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func newProvidersCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show rate limiter state per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			var views []api.ProviderView
			if err := ctx.client().get(cmd.Context(), "/api/v1/providers", nil, &views); err != nil {
				return err
			}
			if ctx.jsonFlag {
				return writeJSON(cmd.OutOrStdout(), views)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderProviders(views))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <provider>",
		Short: "Clear failures and cooldown of a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := schemas.ParseProvider(args[0])
			if err != nil {
				return err
			}
			var view api.ProviderView
			if err := ctx.client().do(cmd.Context(), http.MethodPost, "/api/v1/providers/"+string(p)+"/reset", nil, &view); err != nil {
				return err
			}
			if ctx.jsonFlag {
				return writeJSON(cmd.OutOrStdout(), view)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s (delay %s)\n", view.Provider, formatMillis(view.RecommendedDelayMs))
			return nil
		},
	})

	return cmd
}

func renderJobDetail(st *schemas.JobStatus) string {
	rows := [][]string{
		{"Job", st.ID},
		{"Movie", st.MovieID},
		{"Title", st.Metadata.MovieTitle},
		{"Language", fmt.Sprintf("%s (%s)", st.Metadata.LanguageName, st.Metadata.TargetLanguage)},
		{"Status", string(st.Status)},
		{"Progress", fmt.Sprintf("%s %s", formatPercent(st.Progress.Percent), st.Progress.Message)},
		{"Created", formatTime(&st.CreatedAt)},
		{"Started", formatTime(st.StartedAt)},
		{"Completed", formatTime(st.CompletedAt)},
	}
	if st.Error != "" {
		rows = append(rows, []string{"Error", st.Error})
	}
	if st.ResultTrackID != "" {
		rows = append(rows, []string{"Track", st.ResultTrackID})
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func renderJobs(jobs []schemas.JobStatus) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			j.MovieID,
			j.Metadata.TargetLanguage,
			string(j.Status),
			formatPercent(j.Progress.Percent),
			j.Progress.Message,
			formatTime(&j.UpdatedAt),
		})
	}
	return renderTable(
		[]string{"ID", "Movie", "Language", "Status", "Progress", "Message", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func renderProviders(views []api.ProviderView) string {
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		cooldown := "-"
		if v.CoolingDown {
			cooldown = formatMillis(v.CooldownRemainingMs)
		}
		rows = append(rows, []string{
			string(v.Provider),
			strconv.Itoa(v.ConsecutiveFailures),
			formatMillis(v.FloorMs),
			formatMillis(v.BaseDelayMs),
			formatMillis(v.RecommendedDelayMs),
			cooldown,
		})
	}
	return renderTable(
		[]string{"Provider", "Failures", "Floor", "Base delay", "Next delay", "Cooldown"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
