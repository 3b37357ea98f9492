package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"posreports/internal/jobs"
	"posreports/internal/model"
	"posreports/internal/workspace"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// flexibleID accepts account ids sent either as JSON numbers or strings.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("account_id must be a number or string")
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("account_id must be an integer")
	}
	*f = flexibleID(n.String())
	return nil
}

// AccountRequest is one back-office login.
type AccountRequest struct {
	AccountID        flexibleID `json:"account_id"`
	StorePOSURL      string     `json:"store_pos_url"`
	StorePOSUsername string     `json:"store_pos_username"`
	StorePOSPassword string     `json:"store_pos_password"`
	WebGroupSelector string     `json:"web_group_selector"`
}

func (a AccountRequest) toModel() model.Account {
	return model.Account{
		ID:            string(a.AccountID),
		BaseURL:       a.StorePOSURL,
		Username:      a.StorePOSUsername,
		Password:      a.StorePOSPassword,
		GroupSelector: a.WebGroupSelector,
	}
}

// DownloadRequest starts a job. The single-account fields are the
// common case; Accounts runs several logins in one job. Reports
// overrides the configured report list for this job only.
type DownloadRequest struct {
	AccountRequest
	Accounts []AccountRequest `json:"accounts,omitempty"`
	Reports  []model.Report   `json:"reports,omitempty"`
}

func (r DownloadRequest) accounts() []model.Account {
	var out []model.Account
	if r.AccountID != "" || r.StorePOSURL != "" {
		out = append(out, r.AccountRequest.toModel())
	}
	for _, a := range r.Accounts {
		out = append(out, a.toModel())
	}
	return out
}

type JobResponse = jobs.Record

type ListJobsResponse struct {
	Jobs  []jobs.Record `json:"jobs"`
	Total int           `json:"total"`
}

type LogsResponse struct {
	JobID      string   `json:"job_id"`
	Logs       []string `json:"logs"`
	TotalLines int      `json:"total_lines"`
}

type FilesResponse struct {
	JobID      string           `json:"job_id"`
	Files      []model.FileInfo `json:"files"`
	TotalFiles int              `json:"total_files"`
}

type DeleteFilesRequest struct {
	Filenames []string `json:"filenames"`
}

type DeleteFilesResponse struct {
	Status  string                 `json:"status"`
	JobID   string                 `json:"job_id"`
	Results workspace.DeleteResult `json:"results"`
}

type DeleteResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	JobID    string `json:"job_id"`
	Filename string `json:"filename,omitempty"`
	Deleted  int    `json:"deleted,omitempty"`
}

type ReportsConfigResponse struct {
	ReportsConfig []model.Report `json:"reports_config"`
}
