package main

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// workspaceFiles holds discovered text files from the workspace root.
// Populated once on first use via discoverFiles().
var workspaceFiles []fileInfo

type fileInfo struct {
	absPath string // absolute path
	relPath string // relative to the workspace root
}

// textExtensions are file extensions considered "text files" for scripted
// reads and edits.
var textExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".java": true, ".c": true, ".h": true,
	".css": true, ".html": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".md": true, ".txt": true, ".sh": true, ".sql": true,
	".proto": true, ".xml": true, ".env": true, ".gitignore": true,
}

// skipDirs are directories to skip during file discovery.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".next": true,
	"dist": true, "build": true, "bin": true, "__pycache__": true,
	".cache": true, "coverage": true,
}

const maxFiles = 200

// discoverFiles walks the workspace root and collects text files. An empty
// root falls back to the working directory, which the supervisor sets to
// the workspace anyway.
func discoverFiles(root string) []fileInfo {
	if workspaceFiles != nil {
		return workspaceFiles
	}

	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil
		}
		root = wd
	}

	var files []fileInfo
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if info.IsDir() {
			if skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= maxFiles {
			return filepath.SkipAll
		}
		ext := strings.ToLower(filepath.Ext(info.Name()))
		if !textExtensions[ext] && !textExtensions[info.Name()] {
			return nil
		}
		// Skip very large files
		if info.Size() > 100*1024 {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		files = append(files, fileInfo{absPath: path, relPath: rel})
		return nil
	})

	workspaceFiles = files
	return workspaceFiles
}

// randomFile returns a random file from the workspace, or a fallback.
func randomFile(root string) fileInfo {
	files := discoverFiles(root)
	if len(files) == 0 {
		return fileInfo{absPath: "/workspace/example.txt", relPath: "example.txt"}
	}
	return files[rand.Intn(len(files))]
}

// readFileSnippet reads up to maxLines lines from a file.
func readFileSnippet(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return "// (file not readable)\n"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < maxLines {
		lines = append(lines, scanner.Text())
	}
	return strings.Join(lines, "\n") + "\n"
}

// pickEditableFragment finds a line in the file suitable for a scripted
// edit. Returns (oldString, newString) where newString has a word replaced.
func pickEditableFragment(path string) (old, new_ string) {
	f, err := os.Open(path)
	if err != nil {
		return "hello", "hello_mock"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var candidates []string
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		// Pick lines that are non-empty, not too short, and look like code
		if len(trimmed) >= 10 && len(trimmed) <= 120 && utf8.ValidString(trimmed) {
			candidates = append(candidates, line)
		}
	}

	if len(candidates) == 0 {
		return "original", "modified"
	}

	line := candidates[rand.Intn(len(candidates))]
	words := strings.Fields(line)
	if len(words) == 0 {
		return line, line + " // mock-edited"
	}
	// Pick a non-trivial word (length > 2)
	var editableWords []int
	for i, w := range words {
		if len(w) > 2 {
			editableWords = append(editableWords, i)
		}
	}
	if len(editableWords) == 0 {
		return line, line + " // mock-edited"
	}
	idx := editableWords[rand.Intn(len(editableWords))]
	newWords := make([]string, len(words))
	copy(newWords, words)
	newWords[idx] = words[idx] + "_mock"
	return line, strings.Join(newWords, " ")
}
