package model

import "strings"

// Account is one back-office login the workflow runs against. It is
// passed by value into a job so it cannot change once the job starts.
type Account struct {
	ID            string `json:"account_id" yaml:"accountId" validate:"required"`
	BaseURL       string `json:"store_pos_url" yaml:"url" validate:"required,url,startswith=http"`
	Username      string `json:"store_pos_username" yaml:"username" validate:"required"`
	Password      string `json:"store_pos_password" yaml:"password" validate:"required"`
	GroupSelector string `json:"web_group_selector" yaml:"groupSelector" validate:"required"`
}

// Redacted returns a copy safe for logs and API responses.
func (a Account) Redacted() Account {
	a.Password = ""
	return a
}

// Report describes one downloadable report. The slice order is the
// processing order; reports are independent of each other.
type Report struct {
	RowNumber  int    `json:"row_number" yaml:"rowNumber"`
	ThinkionID int    `json:"Thinkion_Id,omitempty" yaml:"thinkionId"`
	Type       string `json:"Report_Type" yaml:"type"`
	ReportID   string `json:"Report_Id" yaml:"id"`
	Name       string `json:"Report_Name" yaml:"name" validate:"required"`
	URLParam   string `json:"Report_Url_Param" yaml:"urlParam" validate:"required"`
	Columns    string `json:"Report_Columns,omitempty" yaml:"columns"`
}

// ColumnManifest splits the comma separated column list. Blank entries
// are dropped.
func (r Report) ColumnManifest() []string {
	if strings.TrimSpace(r.Columns) == "" {
		return nil
	}
	parts := strings.Split(r.Columns, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Outcome is the result of processing a single report.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeNoData  Outcome = "no_data"
	OutcomeFailed  Outcome = "failed"
)

// FileInfo describes one artifact in a job workspace.
type FileInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}
