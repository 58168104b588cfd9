package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"sentinel/pkg/sentinel"
	"sentinel/statestore"
)

// snapshotMeta is every Snapshot field except the (possibly large,
// possibly compressed) text/html payload, which statestore.PutSnapshotFields
// encodes separately and merges in.
type snapshotMeta struct {
	URL         string                `json:"url"`
	FinalURL    string                `json:"final_url"`
	FetchedAt   string                `json:"fetched_at"`
	StatusCode  int                   `json:"status_code"`
	Mode        sentinel.SnapshotMode `json:"mode"`
	ContentHash string                `json:"content_hash"`
	Validators  sentinel.Validators   `json:"validators"`
	Metrics     sentinel.FetchMetrics `json:"metrics"`
}

func storeSnapshot(ctx context.Context, store *statestore.Client, stateKey string, snap sentinel.Snapshot) error {
	meta := snapshotMeta{
		URL:         snap.URL,
		FinalURL:    snap.FinalURL,
		FetchedAt:   snap.FetchedAt.Format(rfc3339Nano),
		StatusCode:  snap.StatusCode,
		Mode:        snap.Mode,
		ContentHash: snap.ContentHash,
		Validators:  snap.Validators,
		Metrics:     snap.Metrics,
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("pipeline: encode snapshot meta: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(metaRaw, &doc); err != nil {
		return fmt.Errorf("pipeline: decode snapshot meta: %w", err)
	}

	textFields, err := statestore.PutSnapshotFields(snap.Text, snap.HTML)
	if err != nil {
		return fmt.Errorf("pipeline: encode snapshot text: %w", err)
	}
	for k, v := range textFields {
		doc[k] = v
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pipeline: encode snapshot document: %w", err)
	}
	return store.Put(ctx, statestore.StoreState, SnapshotObjectKey(stateKey), raw)
}

func loadSnapshot(ctx context.Context, store *statestore.Client, stateKey string) (*sentinel.Snapshot, error) {
	raw, err := store.Get(ctx, statestore.StoreState, SnapshotObjectKey(stateKey))
	if err == statestore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: load snapshot %s: %w", stateKey, err)
	}

	var meta snapshotMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("pipeline: decode snapshot meta %s: %w", stateKey, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("pipeline: decode snapshot document %s: %w", stateKey, err)
	}
	text, html, err := statestore.DecodeSnapshotFields(doc)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode snapshot text %s: %w", stateKey, err)
	}

	fetchedAt, err := parseRFC3339Nano(meta.FetchedAt)
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse fetched_at %s: %w", stateKey, err)
	}

	return &sentinel.Snapshot{
		URL:         meta.URL,
		FinalURL:    meta.FinalURL,
		FetchedAt:   fetchedAt,
		StatusCode:  meta.StatusCode,
		Mode:        meta.Mode,
		Text:        text,
		HTML:        html,
		ContentHash: meta.ContentHash,
		Validators:  meta.Validators,
		Metrics:     meta.Metrics,
	}, nil
}
