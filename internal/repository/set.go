package repository

// Set groups the repositories of every table.
type Set struct {
	Users         *Users
	Readings      *Readings
	Reminders     *Reminders
	Conversations *Conversations
}

// NewSet constructs every repository over the same store and syncer.
func NewSet(cfg Config, currentUserID int64, notifier NotificationScheduler) (*Set, error) {
	users, err := NewUsers(cfg, currentUserID)
	if err != nil {
		return nil, err
	}
	readings, err := NewReadings(cfg)
	if err != nil {
		return nil, err
	}
	reminders, err := NewReminders(cfg, notifier)
	if err != nil {
		return nil, err
	}
	conversations, err := NewConversations(cfg)
	if err != nil {
		return nil, err
	}
	return &Set{
		Users:         users,
		Readings:      readings,
		Reminders:     reminders,
		Conversations: conversations,
	}, nil
}
