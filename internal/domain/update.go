package domain

type UpdateInfo struct {
	Available   bool   `json:"available"`
	Version     string `json:"version,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Notes       string `json:"body,omitempty"`
}
