package dto

import "github.com/quangdm/mediaq-be/internal/job"

type EnqueueTransferRequest struct {
	ResourceID    string `json:"resource_id" binding:"required"`
	ProjectID     string `json:"project_id" binding:"required"`
	OwnerID       string `json:"owner_id" binding:"required"`
	JobType       string `json:"job_type"`
	ContentType   string `json:"content_type"`
	EstimatedSize int64  `json:"estimated_size"`
	Source        string `json:"source"`
}

type EnqueueTransferResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// QueueStatusResponse is the durable queue snapshot with the in-process
// accelerator's view nested alongside it. The snapshot fields stay at the
// top level; the durable record is the authoritative status source.
type QueueStatusResponse struct {
	job.Snapshot
	Local job.Snapshot `json:"local"`
}

type TransferStatusRequest struct {
	IDs []string `json:"ids" form:"ids"`
}

type TransferStatusResponse struct {
	Queued         int    `json:"queued"`
	Sending        int    `json:"sending"`
	Sent           int    `json:"sent"`
	Failed         int    `json:"failed"`
	Total          int    `json:"total"`
	AllTransferred bool   `json:"all_transferred"`
	Summary        string `json:"summary"`
	CanLeave       bool   `json:"can_leave"`
}
