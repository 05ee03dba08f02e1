package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// fallbackFile is the on-disk shape of a fallback dataset: the same market
// records a live cycle produces plus the time they were generated.
type fallbackFile struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Markets     []MarketRecord `json:"markets"`
}

// FileProvider serves a fallback snapshot from a JSON dataset on disk. The
// file is re-read on every call so the dataset can be refreshed without a
// restart.
type FileProvider struct {
	path string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Markets(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read fallback dataset: %w", err)
	}
	var file fallbackFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse fallback dataset %s: %w", p.path, err)
	}
	if len(file.Markets) == 0 {
		return nil, fmt.Errorf("fallback dataset %s holds no markets", p.path)
	}
	return &Snapshot{
		Markets:     file.Markets,
		LastUpdated: file.GeneratedAt,
		Source:      SourceFallback,
	}, nil
}
