// internal/attach/attach.go
// Package attach turns local files into question context for a deliberation.
// Every council model sees the same attachments in stage 1.
package attach

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxFileSize is the largest single attachment (256KB)
	MaxFileSize = 256 * 1024
	// MaxTotalSize caps all attachments of one question (1MB)
	MaxTotalSize = 1024 * 1024
)

var (
	ErrSensitivePath = errors.New("access to sensitive path denied")
	ErrTooLarge      = errors.New("attachment too large")
	ErrDirectory     = errors.New("path is a directory")
)

// Attachment is one loaded file
type Attachment struct {
	Path    string
	Content string
}

// Load reads every path, enforcing the per-file and total size limits
func Load(paths []string) ([]Attachment, error) {
	var out []Attachment
	total := 0
	for _, p := range paths {
		a, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		total += len(a.Content)
		if total > MaxTotalSize {
			return nil, fmt.Errorf("%w: attachments exceed %d bytes in total", ErrTooLarge, MaxTotalSize)
		}
		out = append(out, a)
	}
	return out, nil
}

// LoadFile reads one attachment
func LoadFile(path string) (Attachment, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := ValidatePath(absPath); err != nil {
		return Attachment{}, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return Attachment{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Attachment{}, fmt.Errorf("%w: %s", ErrDirectory, path)
	}
	if info.Size() > MaxFileSize {
		return Attachment{}, fmt.Errorf("%w: %s is %d bytes, max %d", ErrTooLarge, path, info.Size(), MaxFileSize)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return Attachment{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Attachment{Path: absPath, Content: string(content)}, nil
}

// ValidatePath rejects missing and sensitive paths
func ValidatePath(path string) error {
	if strings.Contains(path, "..") && filepath.Clean(path) != path {
		return fmt.Errorf("path traversal not allowed: %s", path)
	}
	if isSensitivePath(path) {
		return fmt.Errorf("%w: %s", ErrSensitivePath, path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("path does not exist: %s", path)
	} else if err != nil {
		return fmt.Errorf("cannot access path: %w", err)
	}
	return nil
}

// Format renders an attachment with a path header. Source files get line
// numbers so reviewers can cite them.
func Format(a Attachment) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== File: %s ===\n", a.Path))

	if isCodeFile(a.Path) {
		lines := strings.Split(strings.TrimSuffix(a.Content, "\n"), "\n")
		for i, line := range lines {
			sb.WriteString(fmt.Sprintf("%4d | %s\n", i+1, line))
		}
	} else {
		sb.WriteString(a.Content)
		if !strings.HasSuffix(a.Content, "\n") {
			sb.WriteString("\n")
		}
	}

	sb.WriteString(fmt.Sprintf("=== End: %s ===\n", filepath.Base(a.Path)))
	return sb.String()
}

// Compose prepends attachments to the question. Without attachments the
// question is returned unchanged so cache keys stay stable.
func Compose(question string, attachments []Attachment) string {
	if len(attachments) == 0 {
		return question
	}
	var sb strings.Builder
	sb.WriteString("Use the following files as context.\n\n")
	for _, a := range attachments {
		sb.WriteString(Format(a))
		sb.WriteString("\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	return sb.String()
}

func isCodeFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go", ".py", ".js", ".ts", ".jsx", ".tsx", ".rs", ".c", ".h", ".cpp", ".hpp",
		".java", ".rb", ".php", ".sh", ".bash", ".yaml", ".yml", ".json", ".toml",
		".sql", ".lua", ".zig", ".swift", ".kt", ".scala", ".hs":
		return true
	}
	return false
}

// isSensitivePath returns true for paths that should never be sent to a model
func isSensitivePath(path string) bool {
	sensitive := []string{
		"/.ssh/",
		"/.gnupg/",
		"/.aws/",
		"/.config/gcloud",
		"/etc/shadow",
		"/.netrc",
		"/.npmrc",
		"/.pypirc",
		"/credentials",
		"/secrets",
		"/.env",
		".pem",
		".key",
		"id_rsa",
		"id_ed25519",
		"id_ecdsa",
	}

	lowerPath := strings.ToLower(path)
	for _, s := range sensitive {
		if strings.Contains(lowerPath, s) {
			return true
		}
	}
	return false
}
