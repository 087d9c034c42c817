package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxSourceBytes caps source audio reads.
const DefaultMaxSourceBytes = 2 << 30

// ErrSourceTooLarge is returned when source audio exceeds the configured cap.
var ErrSourceTooLarge = errors.New("source audio exceeds size limit")

// TrackStorage persists assembled dubbed tracks under a base URI and loads
// source audio for transcription.
type TrackStorage struct {
	backend        Storage
	baseURI        string
	maxSourceBytes int64
}

// NewTrackStorage writes tracks to baseURI/<jobID>.audio on backend.
func NewTrackStorage(backend Storage, baseURI string, maxSourceBytes int64) (*TrackStorage, error) {
	if _, _, err := ParseURI(baseURI); err != nil {
		return nil, fmt.Errorf("track base URI: %w", err)
	}
	if maxSourceBytes <= 0 {
		maxSourceBytes = DefaultMaxSourceBytes
	}
	return &TrackStorage{
		backend:        backend,
		baseURI:        strings.TrimRight(baseURI, "/"),
		maxSourceBytes: maxSourceBytes,
	}, nil
}

// TrackURI returns where the track of jobID is stored.
func (ts *TrackStorage) TrackURI(jobID string) string {
	return ts.baseURI + "/" + jobID + ".audio"
}

// SaveTrack writes the assembled audio and returns its asset reference.
func (ts *TrackStorage) SaveTrack(ctx context.Context, jobID string, audio []byte) (string, error) {
	if jobID == "" {
		return "", errors.New("job ID is required")
	}
	uri := ts.TrackURI(jobID)
	if err := ts.backend.Put(ctx, uri, bytes.NewReader(audio)); err != nil {
		return "", fmt.Errorf("save track: %w", err)
	}
	return uri, nil
}

// DeleteTrack removes the stored audio behind an asset reference returned
// by SaveTrack. Only references under the track base URI are accepted.
func (ts *TrackStorage) DeleteTrack(ctx context.Context, assetRef string) error {
	if !strings.HasPrefix(assetRef, ts.baseURI+"/") {
		return fmt.Errorf("asset %q is outside the track storage", assetRef)
	}
	if err := ts.backend.Delete(ctx, assetRef); err != nil {
		return fmt.Errorf("delete track: %w", err)
	}
	return nil
}

// LoadSource reads the source audio at uri.
func (ts *TrackStorage) LoadSource(ctx context.Context, uri string) ([]byte, error) {
	rc, err := ts.backend.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("open source audio: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, ts.maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read source audio: %w", err)
	}
	if int64(len(data)) > ts.maxSourceBytes {
		return nil, ErrSourceTooLarge
	}
	return data, nil
}
