package checker

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dukerupert/upkeep/internal/model"
)

// payloadError is a response that arrived but could not be understood.
type payloadError struct {
	err error
}

func (e *payloadError) Error() string { return "invalid release metadata: " + e.err.Error() }
func (e *payloadError) Unwrap() error { return e.err }

type releaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// releasePayload accepts both GitHub-style release objects and flat
// {version, download_url, checksum} documents.
type releasePayload struct {
	TagName     string         `json:"tag_name"`
	Version     string         `json:"version"`
	Name        string         `json:"name"`
	Body        string         `json:"body"`
	Changelog   string         `json:"changelog"`
	DownloadURL string         `json:"download_url"`
	ZipballURL  string         `json:"zipball_url"`
	Size        int64          `json:"size"`
	Checksum    string         `json:"checksum"`
	SHA256      string         `json:"sha256"`
	PublishedAt *time.Time     `json:"published_at"`
	Assets      []releaseAsset `json:"assets"`
}

func parseRelease(r io.Reader) (*model.ReleaseInfo, error) {
	var p releasePayload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, &payloadError{err: err}
	}

	version := StripV(p.TagName)
	if version == "" {
		version = StripV(p.Version)
	}
	if version == "" {
		return nil, &payloadError{err: fmt.Errorf("no tag_name or version field")}
	}

	info := &model.ReleaseInfo{
		Version:     version,
		TagName:     p.TagName,
		Name:        p.Name,
		Changelog:   p.Changelog,
		DownloadURL: p.DownloadURL,
		Size:        p.Size,
		Checksum:    p.Checksum,
		PublishedAt: p.PublishedAt,
	}
	if info.Changelog == "" {
		info.Changelog = p.Body
	}
	if info.Checksum == "" {
		info.Checksum = p.SHA256
	}
	if info.DownloadURL == "" {
		for _, a := range p.Assets {
			if strings.HasSuffix(strings.ToLower(a.Name), ".zip") && a.BrowserDownloadURL != "" {
				info.DownloadURL = a.BrowserDownloadURL
				if info.Size == 0 {
					info.Size = a.Size
				}
				break
			}
		}
	}
	if info.DownloadURL == "" {
		info.DownloadURL = p.ZipballURL
	}
	return info, nil
}
