package domain

import "time"

// ThreadDescriptor is the server's answer to a thread creation request.
type ThreadDescriptor struct {
	ID        string
	CreatedAt string
	Metadata  map[string]any
}

// ThreadSummary is one entry of the remote thread listing.
type ThreadSummary struct {
	ThreadID  string    `json:"threadId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
