package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/queue"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/repository"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/syncer"
	"github.com/spf13/cobra"
)

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [table]",
		Short: "Run a sync cycle now, optionally for a single table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApplication(ctx)
			if err != nil {
				return err
			}
			defer app.close()
			app.probe(ctx)

			if len(args) == 1 {
				result, err := app.orchestrator.ForceSyncTable(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			}
			result, err := app.orchestrator.SyncAll(ctx, true)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.Status == syncer.CycleError {
				return fmt.Errorf("sync finished with errors")
			}
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, last sync and pending changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApplication(ctx)
			if err != nil {
				return err
			}
			defer app.close()
			app.probe(ctx)

			status, err := app.orchestrator.Status(ctx)
			if err != nil {
				return err
			}
			metadata, err := app.store.AllMetadata(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"status": status,
				"tables": metadata,
			})
		},
	}
}

func newResetCommand() *cobra.Command {
	var schema bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe local data; with --schema drop and recreate every table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApplication(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			if schema {
				return app.store.Reset(ctx)
			}
			return app.orchestrator.ClearLocalData(ctx)
		},
	}
	cmd.Flags().BoolVar(&schema, "schema", false, "Drop and recreate the schema instead of deleting rows")
	return cmd
}

func newQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the operation queue",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Count queue entries per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()
			stats, err := app.store.QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}

	var failedLimit int
	failedCmd := &cobra.Command{
		Use:   "failed",
		Short: "List entries that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()
			entries, err := app.store.FailedEntries(cmd.Context(), failedLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	failedCmd.Flags().IntVar(&failedLimit, "limit", 50, "Maximum entries to list")

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-arm failed entries and their records for the next cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()
			retried, err := app.store.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"retried": retried})
		},
	}

	var purgeStatus string
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove entries with the given status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := queue.Status(strings.ToLower(strings.TrimSpace(purgeStatus)))
			if status != queue.StatusCompleted && status != queue.StatusFailed {
				return fmt.Errorf("purge status must be %q or %q", queue.StatusCompleted, queue.StatusFailed)
			}
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()
			removed, err := app.store.PurgeQueue(cmd.Context(), status)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int64{"removed": removed})
		},
	}
	purgeCmd.Flags().StringVar(&purgeStatus, "status", string(queue.StatusCompleted), "Status to purge (completed or failed)")

	queueCmd.AddCommand(statsCmd, failedCmd, retryCmd, purgeCmd)
	return queueCmd
}

func newReadingCommand() *cobra.Command {
	readingCmd := &cobra.Command{
		Use:   "reading",
		Short: "Record and review blood pressure readings",
	}

	var (
		systolic  int
		diastolic int
		pulse     int
		notes     string
		at        string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Record a reading for the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApplication(ctx)
			if err != nil {
				return err
			}
			defer app.close()
			app.probe(ctx)

			input := repository.ReadingInput{
				Systolic:  systolic,
				Diastolic: diastolic,
				Notes:     notes,
			}
			if cmd.Flags().Changed("pulse") {
				input.Pulse = &pulse
			}
			if at != "" {
				readingTime, err := parseMoment(at, time.Now())
				if err != nil {
					return err
				}
				input.ReadingTime = &readingTime
			}
			reading, err := app.repositories.Readings.CreateReading(ctx, app.repositories.Users.CurrentID(), input)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reading)
		},
	}
	addCmd.Flags().IntVar(&systolic, "systolic", 0, "Systolic pressure (mmHg)")
	addCmd.Flags().IntVar(&diastolic, "diastolic", 0, "Diastolic pressure (mmHg)")
	addCmd.Flags().IntVar(&pulse, "pulse", 0, "Pulse (bpm)")
	addCmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")
	addCmd.Flags().StringVar(&at, "at", "", "When the reading was taken, e.g. \"this morning at 8am\"")
	_ = addCmd.MarkFlagRequired("systolic")
	_ = addCmd.MarkFlagRequired("diastolic")

	var days int
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize readings over recent days",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()
			stats, err := app.repositories.Readings.Stats(cmd.Context(), app.repositories.Users.CurrentID(), days)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	statsCmd.Flags().IntVar(&days, "days", 30, "Number of days to summarize")

	readingCmd.AddCommand(addCmd, statsCmd)
	return readingCmd
}

func newReminderCommand() *cobra.Command {
	reminderCmd := &cobra.Command{
		Use:   "reminder",
		Short: "Create and list reminders",
	}

	var (
		at             string
		name           string
		dosage         string
		scheduleDosage string
		doctor         string
		kindOfVisit    string
		location       string
		notes          string
		duration       int
	)
	addCmd := &cobra.Command{
		Use:       "add <medication|bp|doctor|workout>",
		Short:     "Create a reminder for the current user",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"medication", "bp", "doctor", "workout"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := repository.ParseKind(args[0])
			if err != nil {
				return err
			}
			due, err := parseMoment(at, time.Now())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := openApplication(ctx)
			if err != nil {
				return err
			}
			defer app.close()
			app.probe(ctx)

			reminders := app.repositories.Reminders
			userID := app.repositories.Users.CurrentID()
			var created any
			switch kind {
			case repository.KindMedication:
				created, err = reminders.CreateMedication(ctx, userID, &records.MedicationReminder{
					Name:             name,
					Dosage:           dosage,
					ScheduleDateTime: due,
					ScheduleDosage:   scheduleDosage,
					Notes:            notes,
				})
			case repository.KindBP:
				created, err = reminders.CreateBP(ctx, userID, &records.BPReminder{
					ReminderDateTime: due,
					Notes:            notes,
				})
			case repository.KindDoctor:
				created, err = reminders.CreateDoctor(ctx, userID, &records.DoctorReminder{
					AppointmentDateTime: due,
					DoctorName:          doctor,
					AppointmentType:     kindOfVisit,
					Location:            location,
					Notes:               notes,
				})
			case repository.KindWorkout:
				workout := &records.WorkoutReminder{
					WorkoutDateTime: due,
					WorkoutType:     kindOfVisit,
					Location:        location,
					Notes:           notes,
				}
				if cmd.Flags().Changed("duration") {
					workout.DurationMinutes = &duration
				}
				created, err = reminders.CreateWorkout(ctx, userID, workout)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), created)
		},
	}
	addCmd.Flags().StringVar(&at, "at", "", "When the reminder is due, e.g. \"tomorrow at 9am\" or RFC3339")
	addCmd.Flags().StringVar(&name, "name", "", "Medication name")
	addCmd.Flags().StringVar(&dosage, "dosage", "", "Medication dosage")
	addCmd.Flags().StringVar(&scheduleDosage, "schedule-dosage", "", "Dosage for this scheduled intake")
	addCmd.Flags().StringVar(&doctor, "doctor", "", "Doctor name")
	addCmd.Flags().StringVar(&kindOfVisit, "type", "", "Appointment or workout type")
	addCmd.Flags().StringVar(&location, "location", "", "Location")
	addCmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")
	addCmd.Flags().IntVar(&duration, "duration", 0, "Workout duration in minutes")
	_ = addCmd.MarkFlagRequired("at")

	var hours int
	upcomingCmd := &cobra.Command{
		Use:   "upcoming",
		Short: "List reminders due soon, across all kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()
			due, err := app.repositories.Reminders.Upcoming(cmd.Context(), app.repositories.Users.CurrentID(), hours)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), due)
		},
	}
	upcomingCmd.Flags().IntVar(&hours, "hours", 24, "Look-ahead window in hours")

	reminderCmd.AddCommand(addCmd, upcomingCmd)
	return reminderCmd
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()
			issuer, err := app.tokenIssuer()
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_in":   expiresIn,
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	return cmd
}
