package domain

// ExportResult reports a single thumbnail export. FilePath is set only on
// success and Error only on failure.
type ExportResult struct {
	Success  bool    `json:"success"`
	FilePath string  `json:"file_path,omitempty"`
	Filename string  `json:"filename,omitempty"`
	Error    string  `json:"error,omitempty"`
	SizeMB   float64 `json:"size_mb"`
}
