package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chime/errors"
	"github.com/teranos/chime/schedule"
)

// JobsCmd manages the scheduled-job catalog
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage the scheduled-job catalog",
	Long: `Manage the scheduled-job catalog.

Job management commands:
  chime jobs ls              # List catalog jobs
  chime jobs show <id>       # Show job details
  chime jobs add             # Add a job to the catalog
  chime jobs pause <id>      # Deactivate a job
  chime jobs resume <id>     # Reactivate a job
  chime jobs rm <id>         # Remove a job
  chime jobs import <file>   # Import jobs from a TOML or YAML manifest`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List catalog jobs",
	Long: `List scheduled jobs, optionally filtered by status.

Status filters:
  pending    - Jobs waiting for their next window
  processing - Jobs claimed by an in-flight dispatch
  completed  - One-shot or limit-exhausted jobs, retired
  failed     - Jobs whose last dispatch failed

Examples:
  chime jobs ls                   # List all jobs
  chime jobs ls --status failed   # List only failed jobs
  chime jobs ls --limit 50        # Show up to 50 jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(statusFilter, limit)
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show details for a catalog job",
	Long: `Display full details for one scheduled job:
- Identity (id, app, service, endpoint)
- Schedule (frequency, schedule config, start date, timezone-governed windows)
- Dispatch state (status, trigger counts, last response, retries)

Example:
  chime jobs show SJ47REPOR22SCHEDU33CHIMEAB12SYS`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsShow(args[0])
	},
}

var jobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a job to the catalog",
	Long: `Add a scheduled job to the catalog.

Required flags: --app, --service, --endpoint, --frequency, --start-date.
Every frequency except "once" also requires --schedule-config.

Schedule config shapes by frequency:
  hourly   {"minutes": [0, 30]}
  daily    {"times": ["09:00", "17:00"]}
  weekly   {"days": ["monday", "friday"], "time": "09:00"}
  monthly  {"day": 1, "time": "06:00"}
  once     (none)

Examples:
  chime jobs add --app reports --service daily-report \
    --endpoint https://svc.internal/api/report \
    --frequency daily --schedule-config '{"times": ["09:00"]}' \
    --start-date 2026-01-01

  chime jobs add --app sync --service one-shot \
    --endpoint https://svc.internal/api/sync \
    --frequency once --start-date 2026-01-01T09:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsAdd(cmd)
	},
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Deactivate a job",
	Long: `Deactivate a scheduled job. The job keeps its catalog row and
dispatch state but is skipped by every pass until resumed.

Example:
  chime jobs pause SJ47REPOR22SCHEDU33CHIMEAB12SYS`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsSetActive(args[0], false)
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Reactivate a paused job",
	Long: `Reactivate a paused job. It rejoins candidate fetches on the
next pass.

Example:
  chime jobs resume SJ47REPOR22SCHEDU33CHIMEAB12SYS`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsSetActive(args[0], true)
	},
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Remove a job from the catalog",
	Long: `Remove a scheduled job from the catalog. Ledger entries for past
executions are kept.

Example:
  chime jobs rm SJ47REPOR22SCHEDU33CHIMEAB12SYS`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsRm(args[0])
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status (pending, processing, completed, failed)")
	jobsLsCmd.Flags().Int("limit", 0, "Maximum number of jobs to display (0 = all)")

	jobsAddCmd.Flags().String("app", "", "Application the job belongs to")
	jobsAddCmd.Flags().String("service", "", "Service name within the app")
	jobsAddCmd.Flags().String("endpoint", "", "HTTP endpoint to POST on dispatch")
	jobsAddCmd.Flags().String("frequency", "", "Recurrence: once, hourly, daily, weekly, monthly")
	jobsAddCmd.Flags().String("start-date", "", "First eligible date (RFC3339 or YYYY-MM-DD)")
	jobsAddCmd.Flags().String("schedule-config", "", "Frequency-specific JSON schedule config")
	jobsAddCmd.Flags().String("payload-template", "", "JSON payload template sent on dispatch")
	jobsAddCmd.Flags().Int("trigger-limit", 0, "Retire the job after this many successful triggers (0 = unlimited)")
	jobsAddCmd.Flags().Int("max-retries", 3, "Retry allowance consumed by failed dispatches")
	jobsAddCmd.Flags().Bool("inactive", false, "Create the job paused")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsAddCmd)
	JobsCmd.AddCommand(jobsPauseCmd)
	JobsCmd.AddCommand(jobsResumeCmd)
	JobsCmd.AddCommand(jobsRmCmd)
	JobsCmd.AddCommand(jobsImportCmd)
}

// withJobStore opens the catalog store, runs fn against it and closes up.
func withJobStore(fn func(jobs *schedule.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, gateway, err := openGateway(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(schedule.NewStore(gateway))
}

func runJobsLs(statusFilter string, limit int) error {
	return withJobStore(func(jobs *schedule.Store) error {
		list, err := jobs.List(limit)
		if err != nil {
			return errors.Wrap(err, "failed to list jobs")
		}

		if statusFilter != "" {
			filtered := list[:0]
			for _, job := range list {
				if string(job.Status) == statusFilter {
					filtered = append(filtered, job)
				}
			}
			list = filtered
		}

		if len(list) == 0 {
			pterm.Info.Println("No scheduled jobs found")
			return nil
		}

		fmt.Printf("%-32s %-24s %-8s %-10s %-6s %-9s %s\n", "JOB ID", "APP/SERVICE", "FREQ", "STATUS", "ACTIVE", "TRIGGERS", "LAST TRIGGERED")
		fmt.Printf("%-32s %-24s %-8s %-10s %-6s %-9s %s\n", "------", "-----------", "----", "------", "------", "--------", "--------------")

		for _, job := range list {
			fmt.Printf("%-32s %-24s %-8s %-10s %-6s %-9s %s\n",
				job.ID,
				truncate(job.App+"/"+job.Service, 24),
				job.Frequency,
				job.Status,
				formatActive(job.IsActive),
				formatTriggers(job),
				formatLastTriggered(job.LastTriggeredAt),
			)
		}

		fmt.Printf("\nTotal: %d job(s)\n", len(list))
		return nil
	})
}

func runJobsShow(jobID string) error {
	return withJobStore(func(jobs *schedule.Store) error {
		job, err := jobs.Get(jobID)
		if err != nil {
			return errors.Wrapf(err, "failed to get job %s", jobID)
		}

		fmt.Printf("Job ID: %s\n", job.ID)
		fmt.Printf("  App:      %s\n", job.App)
		fmt.Printf("  Service:  %s\n", job.Service)
		fmt.Printf("  Endpoint: %s\n", job.Endpoint)
		fmt.Printf("\n")

		fmt.Printf("Schedule:\n")
		fmt.Printf("  Frequency:  %s\n", job.Frequency)
		if job.ScheduleConfig != "" {
			fmt.Printf("  Config:     %s\n", job.ScheduleConfig)
		}
		fmt.Printf("  Start date: %s\n", job.StartDate.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Active:     %s\n", formatActive(job.IsActive))
		fmt.Printf("\n")

		fmt.Printf("Dispatch state:\n")
		fmt.Printf("  Status:    %s\n", job.Status)
		fmt.Printf("  Triggers:  %s\n", formatTriggers(job))
		fmt.Printf("  Last run:  %s\n", formatLastTriggered(job.LastTriggeredAt))
		fmt.Printf("  Retries:   %d/%d\n", job.RetryCount, job.MaxRetries)
		if job.LastResponseCode != nil {
			fmt.Printf("  Last HTTP: %d\n", *job.LastResponseCode)
		}
		if job.ErrorMessage != nil && *job.ErrorMessage != "" {
			fmt.Printf("  Error:     %s\n", *job.ErrorMessage)
		}
		if job.LogID != nil {
			fmt.Printf("  Last log:  %d\n", *job.LogID)
		}
		if job.PayloadTemplate != "" && job.PayloadTemplate != "{}" {
			fmt.Printf("\nPayload template:\n  %s\n", job.PayloadTemplate)
		}
		fmt.Printf("\nCreated: %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Updated: %s\n", job.UpdatedAt.Format("2006-01-02 15:04:05"))

		return nil
	})
}

func runJobsAdd(cmd *cobra.Command) error {
	app, _ := cmd.Flags().GetString("app")
	service, _ := cmd.Flags().GetString("service")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	frequency, _ := cmd.Flags().GetString("frequency")
	startDate, _ := cmd.Flags().GetString("start-date")
	scheduleConfig, _ := cmd.Flags().GetString("schedule-config")
	payloadTemplate, _ := cmd.Flags().GetString("payload-template")
	triggerLimit, _ := cmd.Flags().GetInt("trigger-limit")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	inactive, _ := cmd.Flags().GetBool("inactive")

	job := &schedule.Job{
		App:             app,
		Service:         service,
		Endpoint:        endpoint,
		Frequency:       schedule.Frequency(frequency),
		ScheduleConfig:  scheduleConfig,
		PayloadTemplate: payloadTemplate,
		MaxRetries:      maxRetries,
		IsActive:        !inactive,
	}
	if triggerLimit > 0 {
		job.TriggerLimit = &triggerLimit
	}
	if startDate != "" {
		parsed, err := parseStartDate(startDate)
		if err != nil {
			return err
		}
		job.StartDate = parsed
	}

	return withJobStore(func(jobs *schedule.Store) error {
		if err := jobs.Create(job); err != nil {
			return errors.Wrap(err, "failed to create job")
		}
		pterm.Success.Printf("Job created: %s\n", job.ID)
		fmt.Printf("  %s/%s %s -> %s\n", job.App, job.Service, job.Frequency, job.Endpoint)
		return nil
	})
}

func runJobsSetActive(jobID string, active bool) error {
	return withJobStore(func(jobs *schedule.Store) error {
		if err := jobs.SetActive(jobID, active); err != nil {
			return errors.Wrapf(err, "failed to update job %s", jobID)
		}
		if active {
			pterm.Success.Printf("Job %s resumed\n", jobID)
		} else {
			pterm.Success.Printf("Job %s paused\n", jobID)
		}
		return nil
	})
}

func runJobsRm(jobID string) error {
	return withJobStore(func(jobs *schedule.Store) error {
		if err := jobs.Delete(jobID); err != nil {
			return errors.Wrapf(err, "failed to remove job %s", jobID)
		}
		pterm.Success.Printf("Job %s removed\n", jobID)
		return nil
	})
}

// parseStartDate accepts RFC3339 or a bare date, which starts at midnight UTC.
func parseStartDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, errors.Newf("start date %q is neither RFC3339 nor YYYY-MM-DD", value)
	}
	return t, nil
}

func formatActive(active bool) string {
	if active {
		return "yes"
	}
	return "no"
}

func formatTriggers(job *schedule.Job) string {
	if job.TriggerLimit != nil {
		return fmt.Sprintf("%d/%d", job.TriggeredCount, *job.TriggerLimit)
	}
	return fmt.Sprintf("%d", job.TriggeredCount)
}

func formatLastTriggered(last *time.Time) string {
	if last == nil {
		return "never"
	}
	return last.Format("2006-01-02 15:04")
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
