// Package dataset handles the class-label-partitioned image tree used for
// retraining: train/<label>/<file>.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var allowedExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".bmp":  {},
}

// AllowedImageFile reports whether the filename has one of the accepted
// image extensions (png, jpg, jpeg, gif, bmp).
func AllowedImageFile(filename string) bool {
	_, ok := allowedExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

type Item struct {
	Path  string
	Label string
}

// Scan walks a local dataset directory whose immediate subdirectories are
// class labels. Files without an accepted image extension are skipped.
func Scan(dir string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset dir %s: %w", dir, err)
	}

	var items []Item
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		label := entry.Name()

		files, err := os.ReadDir(filepath.Join(dir, label))
		if err != nil {
			return nil, fmt.Errorf("failed to read class dir %s: %w", label, err)
		}

		for _, file := range files {
			if file.IsDir() || !AllowedImageFile(file.Name()) {
				continue
			}
			items = append(items, Item{
				Path:  filepath.Join(dir, label, file.Name()),
				Label: label,
			})
		}
	}

	return items, nil
}

// Labels returns the distinct class labels among items, sorted.
func Labels(items []Item) []string {
	seen := make(map[string]struct{})
	for _, item := range items {
		seen[item.Label] = struct{}{}
	}

	labels := make([]string, 0, len(seen))
	for label := range seen {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// CountByLabel reports how many images each class holds.
func CountByLabel(items []Item) map[string]int {
	counts := make(map[string]int)
	for _, item := range items {
		counts[item.Label]++
	}
	return counts
}

// StatsFromKeys derives per-class image counts from object-store keys of
// the form <prefix>/<label>/<file>, so the API can report dataset
// statistics without downloading anything. The prefix is a directory:
// keys that merely share it as a string prefix do not count.
func StatsFromKeys(keys []string, prefix string) map[string]int {
	counts := make(map[string]int)
	for _, key := range keys {
		rel := key
		if prefix != "" {
			var ok bool
			rel, ok = strings.CutPrefix(key, prefix+"/")
			if !ok {
				continue
			}
		}
		parts := strings.SplitN(rel, "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		if !AllowedImageFile(parts[1]) {
			continue
		}
		counts[parts[0]]++
	}
	return counts
}
