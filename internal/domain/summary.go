package domain

import "time"

// SessionSummary is the plain data record handed to the clinical workflow
// boundary when a session completes. The session layer does not interpret
// note or assessment schemas.
type SessionSummary struct {
	SessionID         SessionID      `json:"sessionId"`
	Notes             string         `json:"notes"`
	AssessmentResults map[string]any `json:"assessmentResults,omitempty"`
	FollowUpTasks     []FollowUpTask `json:"followUpTasks,omitempty"`
}

type FollowUpTask struct {
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	DueDate      time.Time `json:"dueDate"`
	AssignedToID UserID    `json:"assignedToId"`
	PatientID    UserID    `json:"patientId"`
	Priority     string    `json:"priority"`
}
