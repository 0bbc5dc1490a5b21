package schedule

import "time"

// Job is a persisted recurring tool invocation owned by one account.
type Job struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	KeyID       string         `json:"key_id"`
	Site        string         `json:"site"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	Periodicity Periodicity    `json:"periodicity"`
	Active      bool           `json:"active"`
	NextRunAt   time.Time      `json:"next_run_at"`
	LastRunAt   *time.Time     `json:"last_run_at,omitempty"`
	RunCount    int            `json:"run_count"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsDue reports whether an active job should run at now.
func (j *Job) IsDue(now time.Time) bool {
	return j.Active && !now.Before(j.NextRunAt)
}

// CallArgs returns the tool arguments with the target site filled in.
func (j *Job) CallArgs() map[string]any {
	args := make(map[string]any, len(j.Args)+1)
	for k, v := range j.Args {
		args[k] = v
	}
	if _, ok := args["site_url"]; !ok && j.Site != "" {
		args["site_url"] = j.Site
	}
	return args
}

// DueJob is a job selected for execution together with its owner's plan.
type DueJob struct {
	Job
	Plan string
}
