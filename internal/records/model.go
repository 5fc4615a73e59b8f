package records

import (
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
)

// Table names in dependency order.
const (
	TableUsers               = "users"
	TableReadings            = "bp_readings"
	TableMedicationReminders = "medication_reminders"
	TableBPReminders         = "bp_reminders"
	TableDoctorReminders     = "doctor_reminders"
	TableWorkoutReminders    = "workout_reminders"
	TableConversations       = "health_advisor_conversations"
	TableKnowledgeQA         = "knowledge_agent_qa"
)

// Owner links a record to the local id of its user.
type Owner struct {
	UserID int64 `gorm:"column:user_id;not null;index" json:"user_id"`
}

// OwnerID returns the local user id.
func (o *Owner) OwnerID() int64 {
	return o.UserID
}

// SetOwnerID assigns the local user id.
func (o *Owner) SetOwnerID(userID int64) {
	o.UserID = userID
}

// User is the profile of the person using the device.
type User struct {
	store.SyncFields
	Username          string   `gorm:"column:username;size:190;not null;index" json:"username"`
	Email             string   `gorm:"column:email;size:190;not null;index" json:"email"`
	FullName          string   `gorm:"column:full_name;size:190" json:"full_name"`
	Age               *int     `gorm:"column:age" json:"age"`
	Gender            string   `gorm:"column:gender;size:32" json:"gender"`
	Height            *float64 `gorm:"column:height" json:"height"`
	Weight            *float64 `gorm:"column:weight" json:"weight"`
	MedicalConditions string   `gorm:"column:medical_conditions;type:text" json:"medical_conditions"`
	Medications       string   `gorm:"column:medications;type:text" json:"medications"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return TableUsers
}

// Reading is one blood pressure measurement.
type Reading struct {
	store.SyncFields
	Owner
	Systolic       int       `gorm:"column:systolic;not null" json:"systolic"`
	Diastolic      int       `gorm:"column:diastolic;not null" json:"diastolic"`
	Pulse          *int      `gorm:"column:pulse" json:"pulse"`
	Notes          string    `gorm:"column:notes;type:text" json:"notes"`
	DeviceID       string    `gorm:"column:device_id;size:190" json:"device_id"`
	Interpretation string    `gorm:"column:interpretation;type:text" json:"interpretation"`
	ReadingTime    time.Time `gorm:"column:reading_time;not null;index" json:"reading_time"`
}

// TableName provides the explicit table binding for GORM.
func (Reading) TableName() string {
	return TableReadings
}

// MedicationReminder schedules a dose.
type MedicationReminder struct {
	store.SyncFields
	Owner
	Name             string     `gorm:"column:name;size:190;not null" json:"name"`
	Dosage           string     `gorm:"column:dosage;size:190;not null" json:"dosage"`
	ScheduleDateTime time.Time  `gorm:"column:schedule_datetime;not null;index" json:"schedule_datetime"`
	ScheduleDosage   string     `gorm:"column:schedule_dosage;size:190;not null" json:"schedule_dosage"`
	Notes            string     `gorm:"column:notes;type:text" json:"notes"`
	IsTaken          bool       `gorm:"column:is_taken;not null;default:false" json:"is_taken"`
	TakenAt          *time.Time `gorm:"column:taken_at" json:"taken_at"`
}

// TableName provides the explicit table binding for GORM.
func (MedicationReminder) TableName() string {
	return TableMedicationReminders
}

// DueAt returns the scheduled time.
func (r *MedicationReminder) DueAt() time.Time {
	return r.ScheduleDateTime
}

// Done reports whether the dose was taken.
func (r *MedicationReminder) Done() bool {
	return r.IsTaken
}

// BPReminder schedules a blood pressure measurement.
type BPReminder struct {
	store.SyncFields
	Owner
	ReminderDateTime time.Time  `gorm:"column:reminder_datetime;not null;index" json:"reminder_datetime"`
	BPCategory       string     `gorm:"column:bp_category;size:64;not null;default:manual" json:"bp_category"`
	Notes            string     `gorm:"column:notes;type:text" json:"notes"`
	IsCompleted      bool       `gorm:"column:is_completed;not null;default:false" json:"is_completed"`
	CompletedAt      *time.Time `gorm:"column:completed_at" json:"completed_at"`
}

// TableName provides the explicit table binding for GORM.
func (BPReminder) TableName() string {
	return TableBPReminders
}

func (r *BPReminder) DueAt() time.Time {
	return r.ReminderDateTime
}

func (r *BPReminder) Done() bool {
	return r.IsCompleted
}

// DoctorReminder schedules an appointment.
type DoctorReminder struct {
	store.SyncFields
	Owner
	AppointmentDateTime time.Time  `gorm:"column:appointment_datetime;not null;index" json:"appointment_datetime"`
	DoctorName          string     `gorm:"column:doctor_name;size:190;not null" json:"doctor_name"`
	AppointmentType     string     `gorm:"column:appointment_type;size:190;not null" json:"appointment_type"`
	Location            string     `gorm:"column:location;size:190" json:"location"`
	Notes               string     `gorm:"column:notes;type:text" json:"notes"`
	IsCompleted         bool       `gorm:"column:is_completed;not null;default:false" json:"is_completed"`
	CompletedAt         *time.Time `gorm:"column:completed_at" json:"completed_at"`
}

// TableName provides the explicit table binding for GORM.
func (DoctorReminder) TableName() string {
	return TableDoctorReminders
}

func (r *DoctorReminder) DueAt() time.Time {
	return r.AppointmentDateTime
}

func (r *DoctorReminder) Done() bool {
	return r.IsCompleted
}

// WorkoutReminder schedules a workout.
type WorkoutReminder struct {
	store.SyncFields
	Owner
	WorkoutDateTime time.Time  `gorm:"column:workout_datetime;not null;index" json:"workout_datetime"`
	WorkoutType     string     `gorm:"column:workout_type;size:190;not null" json:"workout_type"`
	DurationMinutes *int       `gorm:"column:duration_minutes" json:"duration_minutes"`
	Location        string     `gorm:"column:location;size:190" json:"location"`
	Notes           string     `gorm:"column:notes;type:text" json:"notes"`
	IsCompleted     bool       `gorm:"column:is_completed;not null;default:false" json:"is_completed"`
	CompletedAt     *time.Time `gorm:"column:completed_at" json:"completed_at"`
}

// TableName provides the explicit table binding for GORM.
func (WorkoutReminder) TableName() string {
	return TableWorkoutReminders
}

func (r *WorkoutReminder) DueAt() time.Time {
	return r.WorkoutDateTime
}

func (r *WorkoutReminder) Done() bool {
	return r.IsCompleted
}

// Conversation is one exchange with the health advisor.
type Conversation struct {
	store.SyncFields
	Owner
	RequestMessage  string `gorm:"column:request_message;type:text;not null" json:"request_message"`
	AdvisorResponse string `gorm:"column:advisor_response;type:text" json:"advisor_response"`
	AgentID         string `gorm:"column:agent_id;size:190" json:"agent_id"`
	ThreadID        string `gorm:"column:thread_id;size:190" json:"thread_id"`
	Status          string `gorm:"column:status;size:32;not null;default:completed" json:"status"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return TableConversations
}

// KnowledgeQA is one question answered by the knowledge agent.
type KnowledgeQA struct {
	store.SyncFields
	Owner
	Question      string `gorm:"column:question;type:text;not null" json:"question"`
	Answer        string `gorm:"column:answer;type:text" json:"answer"`
	Sources       string `gorm:"column:sources;type:text" json:"sources"`
	AgentID       string `gorm:"column:agent_id;size:190" json:"agent_id"`
	ThreadID      string `gorm:"column:thread_id;size:190" json:"thread_id"`
	VectorStoreID string `gorm:"column:vector_store_id;size:190" json:"vector_store_id"`
	Status        string `gorm:"column:status;size:32;not null;default:completed" json:"status"`
}

// TableName provides the explicit table binding for GORM.
func (KnowledgeQA) TableName() string {
	return TableKnowledgeQA
}
