// Package artifacts persists the records of each unit as one JSON document
// in a blob store and reads them back as a single flattened sequence.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
	"github.com/JakeFAU/precatorio-exporter/internal/storage"
)

const contentType = "application/json"

// ErrChecksumMismatch marks a stored document whose content no longer
// matches the checksum recorded when it was written.
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// Hasher produces a content checksum.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Lister returns the artifact rows recorded for an export.
type Lister interface {
	ListArtifacts(ctx context.Context, exportID string) ([]export.Artifact, error)
}

// Config controls object naming.
type Config struct {
	Prefix string
}

// Written describes a stored unit document.
type Written struct {
	Path     string
	Location string
	Checksum string
}

// Store writes and reads unit documents.
type Store struct {
	blobs  storage.BlobStore
	lister Lister
	hasher Hasher
	prefix string
}

// New constructs a Store.
func New(blobs storage.BlobStore, lister Lister, hasher Hasher, cfg Config) *Store {
	return &Store{
		blobs:  blobs,
		lister: lister,
		hasher: hasher,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// Path returns the object path of a unit document.
func (s *Store) Path(exportID string, unit int) string {
	name := fmt.Sprintf("unit-%04d.json", unit)
	if s.prefix == "" {
		return path.Join(exportID, name)
	}
	return path.Join(s.prefix, exportID, name)
}

// Write stores the records of one unit as a JSON array.
func (s *Store) Write(ctx context.Context, exportID string, unit int, records []export.Record) (Written, error) {
	if records == nil {
		records = []export.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return Written{}, fmt.Errorf("marshal records: %w", err)
	}
	var checksum string
	if s.hasher != nil {
		if checksum, err = s.hasher.Hash(data); err != nil {
			return Written{}, fmt.Errorf("hash records: %w", err)
		}
	}
	objectPath := s.Path(exportID, unit)
	location, err := s.blobs.PutObject(ctx, objectPath, contentType, bytes.NewReader(data))
	if err != nil {
		return Written{}, fmt.Errorf("put %s: %w", objectPath, err)
	}
	return Written{Path: objectPath, Location: location, Checksum: checksum}, nil
}

// ReadAll returns every record of an export in unit order. A document
// holding an array contributes each element; any other JSON value is
// appended as one element. Documents with a recorded checksum are verified.
func (s *Store) ReadAll(ctx context.Context, exportID string) ([]json.RawMessage, error) {
	rows, err := s.lister.ListArtifacts(ctx, exportID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out := make([]json.RawMessage, 0)
	for _, row := range rows {
		doc, err := s.read(ctx, s.Path(exportID, row.Unit))
		if err != nil {
			return nil, err
		}
		if err := s.verify(doc, row); err != nil {
			return nil, err
		}
		out, err = appendDocument(out, doc)
		if err != nil {
			return nil, fmt.Errorf("decode unit %d: %w", row.Unit, err)
		}
	}
	return out, nil
}

func (s *Store) verify(doc []byte, row export.Artifact) error {
	if s.hasher == nil || row.Checksum == "" {
		return nil
	}
	sum, err := s.hasher.Hash(doc)
	if err != nil {
		return fmt.Errorf("hash unit %d: %w", row.Unit, err)
	}
	if sum != row.Checksum {
		return fmt.Errorf("unit %d: %w", row.Unit, ErrChecksumMismatch)
	}
	return nil
}

func (s *Store) read(ctx context.Context, objectPath string) ([]byte, error) {
	rc, err := s.blobs.GetObject(ctx, objectPath)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", objectPath, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", objectPath, err)
	}
	return data, nil
}

func appendDocument(out []json.RawMessage, doc []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}
	if trimmed[0] != '[' {
		if !json.Valid(trimmed) {
			return nil, errors.New("invalid json")
		}
		return append(out, json.RawMessage(trimmed)), nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	return append(out, items...), nil
}
