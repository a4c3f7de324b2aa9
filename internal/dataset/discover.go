package dataset

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true}

// DiscoverShards returns paths to shard TAR files beneath root.
func DiscoverShards(root string) ([]string, error) {
	return walk(root, func(name string) bool { return shardRegexp.MatchString(name) })
}

// DiscoverImages returns paths to image files beneath root.
func DiscoverImages(root string) ([]string, error) {
	return walk(root, func(name string) bool {
		return imageExts[strings.ToLower(filepath.Ext(name))]
	})
}

func walk(root string, match func(name string) bool) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if match(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", root)
	}
	sort.Strings(entries)
	return entries, nil
}

// ClassName is the class of a loose image file: its base name up to the
// first underscore, or the whole base name when there is none.
func ClassName(path string) string {
	name := filepath.Base(path)
	if i := strings.Index(name, "_"); i >= 0 {
		return name[:i]
	}
	return name
}

// ClassIndex assigns each distinct class name of paths an index in sorted
// name order.
func ClassIndex(paths []string) map[string]int {
	seen := map[string]bool{}
	var names []string
	for _, p := range paths {
		c := ClassName(p)
		if !seen[c] {
			seen[c] = true
			names = append(names, c)
		}
	}
	sort.Strings(names)
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	return index
}
