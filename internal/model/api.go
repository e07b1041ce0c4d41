package model

// Capability describes the hardware a worker offers.
type Capability struct {
	GPU   *string `json:"gpu,omitempty"`
	Count *int    `json:"count,omitempty"`
}

// AcquireLeaseRequest is the JSON body for POST /api/lease/acquire.
type AcquireLeaseRequest struct {
	WorkerID string      `json:"worker_id"`
	RunID    string      `json:"run_id"`
	Cap      *Capability `json:"cap,omitempty"`
	Force    bool        `json:"force,omitempty"`
}

// AcquireLeaseResponse is returned for both grants and denials.
type AcquireLeaseResponse struct {
	Status            string        `json:"status"`
	LeaseToken        string        `json:"lease_token,omitempty"`
	LeaseExpiresInSec int           `json:"lease_expires_in_sec,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	Config            *WorkerConfig `json:"config,omitempty"`
}

// Granted reports whether the lease was granted.
func (r *AcquireLeaseResponse) Granted() bool {
	return r != nil && r.Status == LeaseGranted
}

// RenewLeaseRequest is the JSON body for POST /api/lease/renew.
type RenewLeaseRequest struct {
	LeaseToken string `json:"lease_token"`
	WorkerID   string `json:"worker_id"`
}

// RenewLeaseResponse is returned on a successful renewal.
type RenewLeaseResponse struct {
	OK                bool `json:"ok"`
	LeaseExpiresInSec int  `json:"lease_expires_in_sec"`
}

// JobHFStatus carries the worker's view of its last artifact sync.
type JobHFStatus struct {
	LastSynced bool    `json:"last_synced"`
	Repo       *string `json:"repo"`
	Revision   *string `json:"revision"`
}

// JobReportRequest is the JSON body for POST /api/job/report.
type JobReportRequest struct {
	LeaseToken string       `json:"lease_token"`
	RunID      string       `json:"run_id"`
	Step       int64        `json:"step"`
	LatestCkpt *string      `json:"latest_ckpt,omitempty"`
	HF         *JobHFStatus `json:"hf,omitempty"`
	Status     string       `json:"status"`
	Msg        *string      `json:"msg,omitempty"`
}

// OKResponse is the generic success body.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is the body of every non-2xx authority response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
