package client

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MediaExtensions are the file types the server accepts.
var MediaExtensions = map[string]bool{
	".mp4": true, ".m4v": true, ".webm": true,
	".mov": true, ".ogv": true, ".ogg": true,
}

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// ParsedPath is one media file to upload.
type ParsedPath struct {
	FullPath string
	Name     string
	Size     int64
}

// ParseArgs resolves files and directories into the media files to upload.
// Directories are walked recursively and non-media files in them are
// skipped; a non-media file named explicitly is an error.
func ParseArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []ParsedPath

	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		if info.IsDir() {
			found, err := walkMedia(p)
			if err != nil {
				return nil, &ValidationError{Arg: raw, Cause: "directory could not be read"}
			}
			if len(found) == 0 {
				return nil, &ValidationError{Arg: raw, Cause: "directory contains no media files"}
			}
			out = append(out, found...)
			continue
		}

		if !isMedia(p) {
			return nil, &ValidationError{Arg: raw, Cause: "unsupported media type"}
		}
		if info.Size() == 0 {
			return nil, &ValidationError{Arg: raw, Cause: "file is empty"}
		}
		out = append(out, ParsedPath{FullPath: p, Name: filepath.Base(p), Size: info.Size()})
	}

	return out, nil
}

func isMedia(path string) bool {
	return MediaExtensions[strings.ToLower(filepath.Ext(path))]
}

func walkMedia(root string) ([]ParsedPath, error) {
	var found []ParsedPath
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !isMedia(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > 0 {
			found = append(found, ParsedPath{FullPath: path, Name: d.Name(), Size: info.Size()})
		}
		return nil
	})
	sort.Slice(found, func(i, j int) bool { return found[i].FullPath < found[j].FullPath })
	return found, err
}
