package models

import (
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobPending  JobState = "pending"
	JobRunning  JobState = "running"
	JobFinished JobState = "finished"
	JobError    JobState = "error"
)

type DateTotal struct {
	Date  string `json:"date"`
	Total int    `json:"total"`
}

type UploadJob struct {
	ID          uuid.UUID   `json:"id"`
	FileID      string      `json:"fileId"`
	FileName    string      `json:"fileName"`
	Totals      []DateTotal `json:"totals"`
	State       JobState    `json:"jobState"`
	TargetState string      `json:"targetState"`
	SellerID    string      `json:"sellerId"`
	Error       *string     `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

type UploadJobInput struct {
	FileID      string
	FileName    string
	TargetState string
	SellerID    string
}
