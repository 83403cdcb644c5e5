package sokosumi

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// JobStatus is the marketplace-side lifecycle value of a job.
type JobStatus string

const (
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Agent describes an agent listed on the marketplace.
type Agent struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Pricing     Pricing `json:"pricing"`
}

// Pricing carries either a flat credit price or a list of amounts.
type Pricing struct {
	Credits *decimal.Decimal `json:"credits,omitempty"`
	Amounts []Amount         `json:"amounts,omitempty"`
}

// Amount is one priced component of an agent.
type Amount struct {
	Amount decimal.Decimal `json:"amount"`
	Unit   string          `json:"unit"`
}

// Summary renders the price the way the CLI lists it, or "" when unpriced.
func (p Pricing) Summary() string {
	if p.Credits != nil && !p.Credits.IsZero() {
		return p.Credits.String() + " credits"
	}
	if len(p.Amounts) > 0 {
		return p.Amounts[0].Amount.String() + " " + p.Amounts[0].Unit
	}
	return ""
}

// JobInput is the payload for hiring an agent.
type JobInput struct {
	InputData          map[string]any
	MaxAcceptedCredits decimal.Decimal
	Name               string
	SharePublic        bool
	ShareOrganization  bool
}

type createJobRequest struct {
	InputData          map[string]any `json:"inputData"`
	MaxAcceptedCredits json.Number    `json:"maxAcceptedCredits"`
	Name               string         `json:"name,omitempty"`
	SharePublic        bool           `json:"sharePublic"`
	ShareOrganization  bool           `json:"shareOrganization"`
}

// Job is a marketplace job. Older API versions report the identifier as
// jobId and the payload as output.
type Job struct {
	ID          string          `json:"id"`
	JobID       string          `json:"jobId,omitempty"`
	AgentID     string          `json:"agentId"`
	Name        string          `json:"name,omitempty"`
	Status      JobStatus       `json:"status"`
	MasumiJobID string          `json:"masumiJobId,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
}

// Identifier returns the job id under whichever field the API used.
func (j *Job) Identifier() string {
	if j.ID != "" {
		return j.ID
	}
	return j.JobID
}

// Payload returns the job result, falling back to output.
func (j *Job) Payload() json.RawMessage {
	if len(j.Result) > 0 && string(j.Result) != "null" {
		return j.Result
	}
	if len(j.Output) > 0 && string(j.Output) != "null" {
		return j.Output
	}
	return nil
}

// RequiresPayment reports whether the job carries a Masumi payment hold.
func (j *Job) RequiresPayment() bool {
	return j.MasumiJobID != ""
}

// Organization is a marketplace organization the API key belongs to.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug,omitempty"`
}
