package remote

import "strings"

const userPlaceholder = "{user}"

// Endpoint holds the paths serving one table. An empty path means the remote
// offers no such operation.
type Endpoint struct {
	Read   string
	Write  string
	Delete string
}

// DefaultEndpoints maps every table to its remote paths. Read paths scoped to
// a user carry the {user} placeholder.
func DefaultEndpoints() map[string]Endpoint {
	return map[string]Endpoint{
		"users": {
			Read:   "/users/",
			Write:  "/users/",
			Delete: "/users",
		},
		"bp_readings": {
			Read:   "/bp/readings/{user}",
			Write:  "/bp/readings/",
			Delete: "/bp/readings",
		},
		"medication_reminders": {
			Read:   "/reminders/{user}",
			Write:  "/reminders/",
			Delete: "/reminders/reminder",
		},
		"bp_reminders": {
			Read:   "/reminders/bp-reminders/{user}",
			Write:  "/reminders/bp-reminder/",
			Delete: "/reminders/bp-reminder",
		},
		"doctor_reminders": {
			Read:   "/reminders/doctor-appointments/{user}",
			Write:  "/reminders/doctor-appointment/",
			Delete: "/reminders/doctor-appointment",
		},
		"workout_reminders": {
			Read:   "/reminders/workouts/{user}",
			Write:  "/reminders/workout/",
			Delete: "/reminders/workout",
		},
		"health_advisor_conversations": {
			Read:  "/health-advisor/advice/{user}",
			Write: "/health-advisor/advice",
		},
		"knowledge_agent_qa": {
			Write: "/knowledge-agent/ask",
		},
	}
}

func expandUser(path, userID string) string {
	return strings.ReplaceAll(path, userPlaceholder, userID)
}

func joinID(base string, id int64) string {
	return strings.TrimRight(base, "/") + "/" + formatID(id)
}
