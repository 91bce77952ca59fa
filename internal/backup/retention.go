package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	snapshotPrefix = "rapport-"
	snapshotExt    = ".db"
	snapshotLayout = "20060102-150405.000"
)

// Policy is how many snapshots to keep in each age tier. Snapshots older
// than a year are always removed.
type Policy struct {
	Hourly  int // younger than a day
	Daily   int // one to seven days
	Weekly  int // one week to thirty days
	Monthly int // thirty days to a year
}

// Snapshot is a snapshot file on disk.
type Snapshot struct {
	Path  string    `json:"path"`
	Taken time.Time `json:"taken"`
	Size  int64     `json:"size"`
}

func snapshotName(at time.Time) string {
	return snapshotPrefix + at.UTC().Format(snapshotLayout) + snapshotExt
}

// List returns the snapshots in dir, newest first. Files that do not carry
// a snapshot name are ignored.
func List(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var out []Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		taken, err := time.Parse(snapshotLayout, strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotExt))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Snapshot{Path: filepath.Join(dir, name), Taken: taken, Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Taken.After(out[j].Taken) })
	return out, nil
}

// Prune removes the snapshots policy does not keep and returns how many
// were removed.
func Prune(dir string, policy Policy, now time.Time) (int, error) {
	snaps, err := List(dir)
	if err != nil {
		return 0, err
	}

	var hourly, daily, weekly, monthly, doomed []Snapshot
	for _, s := range snaps {
		switch age := now.Sub(s.Taken); {
		case age < 24*time.Hour:
			hourly = append(hourly, s)
		case age < 7*24*time.Hour:
			daily = append(daily, s)
		case age < 30*24*time.Hour:
			weekly = append(weekly, s)
		case age < 365*24*time.Hour:
			monthly = append(monthly, s)
		default:
			doomed = append(doomed, s)
		}
	}
	doomed = append(doomed, overflow(hourly, policy.Hourly)...)
	doomed = append(doomed, overflow(daily, policy.Daily)...)
	doomed = append(doomed, overflow(weekly, policy.Weekly)...)
	doomed = append(doomed, overflow(monthly, policy.Monthly)...)

	var errs []error
	removed := 0
	for _, s := range doomed {
		if err := os.Remove(s.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// overflow returns the snapshots of a newest-first tier beyond keep.
func overflow(tier []Snapshot, keep int) []Snapshot {
	if len(tier) <= keep {
		return nil
	}
	return tier[keep:]
}
