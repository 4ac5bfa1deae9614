package client

import (
	"os"
	"path/filepath"
	"testing"
)

func setupTestFiles(t *testing.T, dir string, files map[string]string) []string {
	t.Helper()
	var paths []string

	for filename, content := range files {
		filePath := filepath.Join(dir, filename)
		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			t.Fatalf("failed to create dir for %s: %v", filename, err)
		}
		if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
			t.Fatalf("failed to create test file %s: %v", filename, err)
		}
		paths = append(paths, filePath)
	}

	return paths
}

func assertValidationError(t *testing.T, err error, expectedArg string, expectedCause string) {
	t.Helper()
	validationErr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if expectedArg != "" && validationErr.Arg != expectedArg {
		t.Errorf("expected Arg to be %q, got %q", expectedArg, validationErr.Arg)
	}
	if expectedCause != "" && validationErr.Cause != expectedCause {
		t.Errorf("expected Cause to be %q, got %q", expectedCause, validationErr.Cause)
	}
}

func TestParseArgs(t *testing.T) {
	t.Run("empty args returns error", func(t *testing.T) {
		result, err := ParseArgs([]string{})

		if err == nil {
			t.Fatal("expected error for empty args")
		}
		if result != nil {
			t.Error("expected nil result for empty args")
		}
		assertValidationError(t, err, "<files>", "no files provided")
	})

	t.Run("single media file", func(t *testing.T) {
		paths := setupTestFiles(t, t.TempDir(), map[string]string{
			"intro.mp4": "video bytes",
		})

		result, err := ParseArgs(paths)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(result) != 1 {
			t.Fatalf("expected 1 result, got %d", len(result))
		}
		if result[0].FullPath != paths[0] || result[0].Name != "intro.mp4" || result[0].Size != 11 {
			t.Errorf("unexpected parsed path: %+v", result[0])
		}
	})

	t.Run("extension check ignores case", func(t *testing.T) {
		paths := setupTestFiles(t, t.TempDir(), map[string]string{
			"CLIP.MOV": "x",
		})
		if _, err := ParseArgs(paths); err != nil {
			t.Errorf("expected upper-case extension to be accepted, got %v", err)
		}
	})

	t.Run("directory is walked for media", func(t *testing.T) {
		dir := t.TempDir()
		setupTestFiles(t, dir, map[string]string{
			"b.webm":            "b",
			"a.mp4":             "a",
			"notes.txt":         "skip",
			"empty.mp4":         "",
			"season1/ep1.m4v":   "ep1",
			".cache/hidden.mp4": "skip",
		})

		result, err := ParseArgs([]string{dir})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		var names []string
		for _, p := range result {
			names = append(names, p.Name)
		}
		expected := []string{"a.mp4", "b.webm", "ep1.m4v"}
		if len(names) != len(expected) {
			t.Fatalf("expected %v, got %v", expected, names)
		}
		for i := range expected {
			if names[i] != expected[i] {
				t.Errorf("expected %v, got %v", expected, names)
				break
			}
		}
	})

	t.Run("directory without media", func(t *testing.T) {
		dir := t.TempDir()
		setupTestFiles(t, dir, map[string]string{"readme.md": "hi"})

		_, err := ParseArgs([]string{dir})
		assertValidationError(t, err, dir, "directory contains no media files")
	})

	t.Run("unsupported file named explicitly", func(t *testing.T) {
		paths := setupTestFiles(t, t.TempDir(), map[string]string{"script.sh": "echo"})

		_, err := ParseArgs(paths)
		assertValidationError(t, err, paths[0], "unsupported media type")
	})

	t.Run("empty file", func(t *testing.T) {
		paths := setupTestFiles(t, t.TempDir(), map[string]string{"blank.mp4": ""})

		_, err := ParseArgs(paths)
		assertValidationError(t, err, paths[0], "file is empty")
	})

	t.Run("nonexistent path", func(t *testing.T) {
		_, err := ParseArgs([]string{"/does/not/exist.mp4"})
		assertValidationError(t, err, "/does/not/exist.mp4", "not found or not accessible")
	})

	t.Run("path is cleaned", func(t *testing.T) {
		dir := t.TempDir()
		setupTestFiles(t, dir, map[string]string{"clip.ogv": "x"})

		result, err := ParseArgs([]string{dir + "/./clip.ogv"})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result[0].FullPath != filepath.Join(dir, "clip.ogv") {
			t.Errorf("expected cleaned path, got %s", result[0].FullPath)
		}
	})
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Arg: "x.exe", Cause: "unsupported media type"}
	expected := `invalid argument "x.exe": unsupported media type`
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}
