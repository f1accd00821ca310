package model

import "time"

type CheckStatus string

const (
	CheckStatusSuccess CheckStatus = "success"
	CheckStatusFailed  CheckStatus = "failed"
)

// ReleaseInfo is the release metadata captured with a version check.
type ReleaseInfo struct {
	Version     string     `json:"version,omitempty"`
	TagName     string     `json:"tag_name,omitempty"`
	Name        string     `json:"name,omitempty"`
	Changelog   string     `json:"changelog,omitempty"`
	DownloadURL string     `json:"download_url,omitempty"`
	Size        int64      `json:"size,omitempty"`
	Checksum    string     `json:"checksum,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// VersionCheck records one poll of the release endpoint. Rows are never
// updated; newer checks supersede older ones.
type VersionCheck struct {
	ID              int64        `json:"id"`
	CurrentVersion  string       `json:"current_version"`
	LatestVersion   string       `json:"latest_version,omitempty"`
	UpdateAvailable bool         `json:"update_available"`
	CheckStatus     CheckStatus  `json:"check_status"`
	ReleaseInfo     *ReleaseInfo `json:"release_info,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	CheckedAt       time.Time    `json:"checked_at"`
}

// Succeeded reports whether the check reached the endpoint and parsed a version.
func (c *VersionCheck) Succeeded() bool {
	return c.CheckStatus == CheckStatusSuccess
}
