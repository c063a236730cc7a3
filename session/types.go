package session

import "time"

// Message roles stored in a transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one user's conversation. A reset never reuses an ID.
type Session struct {
	ID             string
	CreatedAt      time.Time
	LastActive     time.Time
	Title          string
	DatasetName    string
	DatasetColumns []string
}

// Message is one transcript turn. Chart is set only on the assistant
// message whose answer produced it.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Chart     *Chart    `json:"chart,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Chart is an image file in the session workspace.
type Chart struct {
	File string `json:"file"`
	URL  string `json:"url"`
}

func (m Message) clone() Message {
	if m.Chart != nil {
		c := *m.Chart
		m.Chart = &c
	}
	return m
}

func (s Session) clone() Session {
	s.DatasetColumns = append([]string(nil), s.DatasetColumns...)
	return s
}
