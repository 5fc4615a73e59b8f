package records

import (
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
)

var ownedByUser = store.ForeignKey{Column: "user_id", Table: TableUsers}

var (
	UsersTable               = store.Define[User]()
	ReadingsTable            = store.Define[Reading](ownedByUser)
	MedicationRemindersTable = store.Define[MedicationReminder](ownedByUser)
	BPRemindersTable         = store.Define[BPReminder](ownedByUser)
	DoctorRemindersTable     = store.Define[DoctorReminder](ownedByUser)
	WorkoutRemindersTable    = store.Define[WorkoutReminder](ownedByUser)
	ConversationsTable       = store.Define[Conversation](ownedByUser)
	KnowledgeQATable         = store.Define[KnowledgeQA](ownedByUser)
)

// Tables returns every table in dependency order: parents before the
// children that reference them.
func Tables() []*store.Schema {
	return []*store.Schema{
		UsersTable,
		ReadingsTable,
		MedicationRemindersTable,
		BPRemindersTable,
		DoctorRemindersTable,
		WorkoutRemindersTable,
		ConversationsTable,
		KnowledgeQATable,
	}
}

// Reminder is implemented by the four reminder kinds.
type Reminder interface {
	store.Entity
	DueAt() time.Time
	Done() bool
}

// IsReminderTable reports whether a table holds reminders.
func IsReminderTable(table string) bool {
	switch table {
	case TableMedicationReminders, TableBPReminders, TableDoctorReminders, TableWorkoutReminders:
		return true
	default:
		return false
	}
}
