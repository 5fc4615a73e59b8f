package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
	"go.uber.org/zap"
)

// Kind names a reminder family.
type Kind string

const (
	KindMedication Kind = "medication"
	KindBP         Kind = "bp"
	KindDoctor     Kind = "doctor"
	KindWorkout    Kind = "workout"
)

const (
	defaultUpcomingHours = 24
	defaultStatsDays     = 30
	defaultBPCategory    = "manual"
)

// ErrUnknownKind is returned for reminder kinds outside the four families.
var ErrUnknownKind = errors.New("repository: unknown reminder kind")

// Kinds lists the reminder families in table order.
func Kinds() []Kind {
	return []Kind{KindMedication, KindBP, KindDoctor, KindWorkout}
}

// ParseKind resolves a kind name.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Kinds() {
		if kind == known {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
}

// NotificationScheduler delivers reminders to the user. The repository only
// tells it what to schedule.
type NotificationScheduler interface {
	Schedule(ctx context.Context, kind Kind, reminder records.Reminder) error
	Cancel(ctx context.Context, kind Kind, id int64) error
}

// KindStats counts reminders of one family.
type KindStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Overdue   int `json:"overdue"`
}

func (s *KindStats) add(other KindStats) {
	s.Total += other.Total
	s.Completed += other.Completed
	s.Overdue += other.Overdue
}

// ReminderStats summarizes reminders due within a period.
type ReminderStats struct {
	ByKind  map[Kind]KindStats `json:"byKind"`
	Overall KindStats          `json:"overall"`
	Period  int                `json:"period"`
}

type reminderTable interface {
	list(ctx context.Context, userID int64, pendingOnly bool) ([]records.Reminder, error)
	markDone(ctx context.Context, id int64, at time.Time) (records.Reminder, error)
	remove(ctx context.Context, id int64) error
}

type kindTable[T records.Reminder] struct {
	base        *Base[T]
	dueColumn   string
	doneColumn  string
	stampColumn string
}

func (k *kindTable[T]) list(ctx context.Context, userID int64, pendingOnly bool) ([]records.Reminder, error) {
	conditions := map[string]any{"user_id": userID}
	if pendingOnly {
		conditions[k.doneColumn] = false
	}
	typed, err := k.base.FindAll(ctx, store.Query{
		Conditions: conditions,
		OrderBy:    k.dueColumn + " ASC",
	}, false)
	if err != nil {
		return nil, err
	}
	out := make([]records.Reminder, 0, len(typed))
	for _, reminder := range typed {
		out = append(out, reminder)
	}
	return out, nil
}

func (k *kindTable[T]) markDone(ctx context.Context, id int64, at time.Time) (records.Reminder, error) {
	updated, err := k.base.Update(ctx, id, map[string]any{
		k.doneColumn:  true,
		k.stampColumn: at,
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (k *kindTable[T]) remove(ctx context.Context, id int64) error {
	return k.base.Delete(ctx, id)
}

// Reminders stores the four reminder families.
type Reminders struct {
	Medication *Base[*records.MedicationReminder]
	BP         *Base[*records.BPReminder]
	Doctor     *Base[*records.DoctorReminder]
	Workout    *Base[*records.WorkoutReminder]

	tables   map[Kind]reminderTable
	notifier NotificationScheduler
	clock    func() time.Time
	logger   *zap.Logger
}

// NewReminders constructs the reminders repository. notifier may be nil.
func NewReminders(cfg Config, notifier NotificationScheduler) (*Reminders, error) {
	medication, err := NewBase[*records.MedicationReminder](cfg, records.MedicationRemindersTable)
	if err != nil {
		return nil, err
	}
	bp, err := NewBase[*records.BPReminder](cfg, records.BPRemindersTable)
	if err != nil {
		return nil, err
	}
	doctor, err := NewBase[*records.DoctorReminder](cfg, records.DoctorRemindersTable)
	if err != nil {
		return nil, err
	}
	workout, err := NewBase[*records.WorkoutReminder](cfg, records.WorkoutRemindersTable)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reminders{
		Medication: medication,
		BP:         bp,
		Doctor:     doctor,
		Workout:    workout,
		tables: map[Kind]reminderTable{
			KindMedication: &kindTable[*records.MedicationReminder]{base: medication, dueColumn: "schedule_datetime", doneColumn: "is_taken", stampColumn: "taken_at"},
			KindBP:         &kindTable[*records.BPReminder]{base: bp, dueColumn: "reminder_datetime", doneColumn: "is_completed", stampColumn: "completed_at"},
			KindDoctor:     &kindTable[*records.DoctorReminder]{base: doctor, dueColumn: "appointment_datetime", doneColumn: "is_completed", stampColumn: "completed_at"},
			KindWorkout:    &kindTable[*records.WorkoutReminder]{base: workout, dueColumn: "workout_datetime", doneColumn: "is_completed", stampColumn: "completed_at"},
		},
		notifier: notifier,
		clock:    medication.clock,
		logger:   logger,
	}, nil
}

// CreateMedication stores a medication reminder.
func (r *Reminders) CreateMedication(ctx context.Context, userID int64, reminder *records.MedicationReminder) (*records.MedicationReminder, error) {
	switch {
	case strings.TrimSpace(reminder.Name) == "":
		return nil, validationError("name", "is required")
	case strings.TrimSpace(reminder.Dosage) == "":
		return nil, validationError("dosage", "is required")
	case reminder.ScheduleDateTime.IsZero():
		return nil, validationError("schedule_datetime", "is required")
	case strings.TrimSpace(reminder.ScheduleDosage) == "":
		return nil, validationError("schedule_dosage", "is required")
	}
	reminder.IsTaken = false
	reminder.TakenAt = nil
	created, err := r.Medication.Create(ctx, reminder, userID)
	if err != nil {
		return nil, err
	}
	r.schedule(ctx, KindMedication, created)
	return created, nil
}

// CreateBP stores a measurement reminder. The category defaults to manual.
func (r *Reminders) CreateBP(ctx context.Context, userID int64, reminder *records.BPReminder) (*records.BPReminder, error) {
	if reminder.ReminderDateTime.IsZero() {
		return nil, validationError("reminder_datetime", "is required")
	}
	if strings.TrimSpace(reminder.BPCategory) == "" {
		reminder.BPCategory = defaultBPCategory
	}
	reminder.IsCompleted = false
	reminder.CompletedAt = nil
	created, err := r.BP.Create(ctx, reminder, userID)
	if err != nil {
		return nil, err
	}
	r.schedule(ctx, KindBP, created)
	return created, nil
}

// CreateDoctor stores an appointment reminder.
func (r *Reminders) CreateDoctor(ctx context.Context, userID int64, reminder *records.DoctorReminder) (*records.DoctorReminder, error) {
	switch {
	case reminder.AppointmentDateTime.IsZero():
		return nil, validationError("appointment_datetime", "is required")
	case strings.TrimSpace(reminder.DoctorName) == "":
		return nil, validationError("doctor_name", "is required")
	case strings.TrimSpace(reminder.AppointmentType) == "":
		return nil, validationError("appointment_type", "is required")
	}
	reminder.IsCompleted = false
	reminder.CompletedAt = nil
	created, err := r.Doctor.Create(ctx, reminder, userID)
	if err != nil {
		return nil, err
	}
	r.schedule(ctx, KindDoctor, created)
	return created, nil
}

// CreateWorkout stores a workout reminder.
func (r *Reminders) CreateWorkout(ctx context.Context, userID int64, reminder *records.WorkoutReminder) (*records.WorkoutReminder, error) {
	switch {
	case reminder.WorkoutDateTime.IsZero():
		return nil, validationError("workout_datetime", "is required")
	case strings.TrimSpace(reminder.WorkoutType) == "":
		return nil, validationError("workout_type", "is required")
	}
	reminder.IsCompleted = false
	reminder.CompletedAt = nil
	created, err := r.Workout.Create(ctx, reminder, userID)
	if err != nil {
		return nil, err
	}
	r.schedule(ctx, KindWorkout, created)
	return created, nil
}

// List returns a user's reminders of one kind ordered by due time. Without
// includeDone, taken and completed reminders are left out.
func (r *Reminders) List(ctx context.Context, kind Kind, userID int64, includeDone bool) ([]records.Reminder, error) {
	table, err := r.table(kind)
	if err != nil {
		return nil, err
	}
	return table.list(ctx, userID, !includeDone)
}

// Upcoming returns open reminders due within the next hours, per kind.
func (r *Reminders) Upcoming(ctx context.Context, userID int64, hours int) (map[Kind][]records.Reminder, error) {
	if hours <= 0 {
		hours = defaultUpcomingHours
	}
	now := r.now()
	horizon := now.Add(time.Duration(hours) * time.Hour)
	return r.collect(ctx, userID, func(due time.Time) bool {
		return !due.Before(now) && !due.After(horizon)
	})
}

// Overdue returns open reminders whose due time has passed, per kind.
func (r *Reminders) Overdue(ctx context.Context, userID int64) (map[Kind][]records.Reminder, error) {
	now := r.now()
	return r.collect(ctx, userID, func(due time.Time) bool {
		return due.Before(now)
	})
}

// MarkMedicationTaken records that a dose was taken.
func (r *Reminders) MarkMedicationTaken(ctx context.Context, id int64) (*records.MedicationReminder, error) {
	return r.Medication.Update(ctx, id, map[string]any{
		"is_taken": true,
		"taken_at": r.now(),
	})
}

// MarkCompleted closes a reminder of any kind. For medication it is the
// same as MarkMedicationTaken.
func (r *Reminders) MarkCompleted(ctx context.Context, kind Kind, id int64) (records.Reminder, error) {
	table, err := r.table(kind)
	if err != nil {
		return nil, err
	}
	return table.markDone(ctx, id, r.now())
}

// Delete tombstones a reminder and cancels its notification.
func (r *Reminders) Delete(ctx context.Context, kind Kind, id int64) error {
	table, err := r.table(kind)
	if err != nil {
		return err
	}
	if err := table.remove(ctx, id); err != nil {
		return err
	}
	if r.notifier != nil {
		if err := r.notifier.Cancel(ctx, kind, id); err != nil {
			r.logger.Warn("notification cancel failed", zap.String("kind", string(kind)), zap.Int64("id", id), zap.Error(err))
		}
	}
	return nil
}

// Stats counts reminders due within the last days: total, completed, and
// still open past their due time.
func (r *Reminders) Stats(ctx context.Context, userID int64, days int) (ReminderStats, error) {
	if days <= 0 {
		days = defaultStatsDays
	}
	now := r.now()
	cutoff := now.AddDate(0, 0, -days)
	stats := ReminderStats{ByKind: make(map[Kind]KindStats, len(r.tables)), Period: days}
	for _, kind := range Kinds() {
		reminders, err := r.tables[kind].list(ctx, userID, false)
		if err != nil {
			return ReminderStats{}, err
		}
		var counts KindStats
		for _, reminder := range reminders {
			due := reminder.DueAt()
			if due.Before(cutoff) {
				continue
			}
			counts.Total++
			if reminder.Done() {
				counts.Completed++
			} else if due.Before(now) {
				counts.Overdue++
			}
		}
		stats.ByKind[kind] = counts
		stats.Overall.add(counts)
	}
	return stats, nil
}

// PendingChangesCount sums unsynced reminders across the four kinds.
func (r *Reminders) PendingChangesCount(ctx context.Context) (int64, error) {
	var total int64
	for _, count := range []func(context.Context) (int64, error){
		r.Medication.PendingChangesCount,
		r.BP.PendingChangesCount,
		r.Doctor.PendingChangesCount,
		r.Workout.PendingChangesCount,
	} {
		n, err := count(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (r *Reminders) collect(ctx context.Context, userID int64, match func(time.Time) bool) (map[Kind][]records.Reminder, error) {
	grouped := make(map[Kind][]records.Reminder, len(r.tables))
	for _, kind := range Kinds() {
		open, err := r.tables[kind].list(ctx, userID, true)
		if err != nil {
			return nil, err
		}
		selected := make([]records.Reminder, 0, len(open))
		for _, reminder := range open {
			if match(reminder.DueAt()) {
				selected = append(selected, reminder)
			}
		}
		grouped[kind] = selected
	}
	return grouped, nil
}

func (r *Reminders) schedule(ctx context.Context, kind Kind, reminder records.Reminder) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Schedule(ctx, kind, reminder); err != nil {
		r.logger.Warn("notification schedule failed",
			zap.String("kind", string(kind)),
			zap.Int64("id", reminder.Sync().ID),
			zap.Error(err))
	}
}

func (r *Reminders) table(kind Kind) (reminderTable, error) {
	table, ok := r.tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return table, nil
}

func (r *Reminders) now() time.Time {
	return r.clock().UTC()
}
