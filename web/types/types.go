package types

import (
	"time"

	"eda-agent/session"
)

// MessageView is a transcript message prepared for rendering.
type MessageView struct {
	ID        string
	Role      string
	Content   string
	HTML      string
	ChartURL  string
	CreatedAt time.Time
}

// PreviewView is the dataset preview shown once after an upload.
type PreviewView struct {
	Name      string
	Columns   []string
	Rows      [][]string
	TotalRows int
	Summary   string
}

// PageData carries everything the chat page renders.
type PageData struct {
	SessionID          string
	Title              string
	Provider           string
	CredentialRequired bool
	HasCredential      bool
	DatasetName        string
	DatasetShape       string
	Preview            *PreviewView
	Notices            []session.Notice
	Messages           []MessageView
	MaxUploadMB        int64
}

// TranscriptResponse is the JSON form of a session transcript.
type TranscriptResponse struct {
	SessionID string            `json:"session_id"`
	Title     string            `json:"title"`
	Dataset   string            `json:"dataset,omitempty"`
	Messages  []session.Message `json:"messages"`
}

// ChatResponse is returned by the chat endpoint to JSON clients.
type ChatResponse struct {
	SessionID string          `json:"session_id"`
	User      session.Message `json:"user"`
	Assistant session.Message `json:"assistant"`
}
