package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dir stores each utterance as <id>.wav with a <id>.json metadata file
type Dir struct {
	root string
}

// NewDir creates a directory sink, creating root if needed
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("directory sink requires a path")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}
	return &Dir{root: root}, nil
}

// Store implements Sink
func (d *Dir) Store(ctx context.Context, u *Utterance) error {
	if err := validate(u); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	meta, err := json.MarshalIndent(u.Info(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	if err := writeFileAtomic(d.path(u.ID, ".wav"), u.Audio.Data); err != nil {
		return err
	}
	return writeFileAtomic(d.path(u.ID, ".json"), meta)
}

// Load implements Sink
func (d *Dir) Load(ctx context.Context, id string) ([]byte, Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, Info{}, err
	}
	if strings.ContainsAny(id, `/\`) {
		return nil, Info{}, ErrNotFound
	}

	info, err := d.readInfo(d.path(id, ".json"))
	if err != nil {
		return nil, Info{}, err
	}

	data, err := os.ReadFile(d.path(id, ".wav"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Info{}, ErrNotFound
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("failed to read utterance audio: %w", err)
	}
	return data, info, nil
}

// List implements Sink
func (d *Dir) List(ctx context.Context) ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(d.root, "*.json"))
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(matches))
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := d.readInfo(path)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos, nil
}

// Close implements Sink
func (d *Dir) Close() error {
	return nil
}

func (d *Dir) path(id, ext string) string {
	return filepath.Join(d.root, id+ext)
}

func (d *Dir) readInfo(path string) (Info, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("failed to decode metadata %s: %w", filepath.Base(path), err)
	}
	return info, nil
}

// writeFileAtomic writes to a temporary file and renames it into place
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(path), err)
	}
	return nil
}
