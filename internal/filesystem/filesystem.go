package filesystem

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"etdaemon/internal/config"
	"etdaemon/internal/errors"
)

// FileInfo represents information about a file to be transferred
type FileInfo struct {
	Name     string
	Size     int64
	Path     string
	IsDir    bool
	Modified time.Time
}

// ValidateFilePath checks if a file path is safe and valid
func ValidateFilePath(path string) error {
	// Clean the path to prevent directory traversal
	cleanPath := filepath.Clean(path)

	// Check for directory traversal attempts
	if strings.Contains(cleanPath, "..") {
		return errors.NewValidationError("file_path", path, "path contains directory traversal")
	}

	// Check for absolute paths in client mode (security concern)
	if filepath.IsAbs(cleanPath) && strings.Contains(path, ":") {
		// Allow absolute paths but log them
		slog.Warn("Absolute path detected", "path", path)
	}

	return nil
}

// GetFileInfo returns information about a file
func GetFileInfo(path string) (*FileInfo, error) {
	if err := ValidateFilePath(path); err != nil {
		return nil, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewFileSystemError("stat", path, err)
	}

	return &FileInfo{
		Name:     stat.Name(),
		Size:     stat.Size(),
		Path:     path,
		IsDir:    stat.IsDir(),
		Modified: stat.ModTime(),
	}, nil
}

// CalculateFileHash calculates MD5 hash of a file
func CalculateFileHash(file *os.File) (string, error) {
	// Reset file position
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", errors.NewFileSystemError("seek", file.Name(), err)
	}

	hash := md5.New()
	buffer := make([]byte, config.HashBufferSize)

	for {
		n, err := file.Read(buffer)
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", errors.NewFileSystemError("read_hash", file.Name(), err)
		}

		if _, err := hash.Write(buffer[:n]); err != nil {
			return "", errors.NewFileSystemError("hash_write", file.Name(), err)
		}
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// EnsureDirectoryExists creates a directory if it doesn't exist
func EnsureDirectoryExists(dir string) error {
	if err := ValidateFilePath(dir); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, config.LogDirPerms); err != nil {
		return errors.NewFileSystemError("mkdir", dir, err)
	}

	return nil
}

// GetCompressibleExtensions returns a map of file extensions that should be compressed
func GetCompressibleExtensions() map[string]bool {
	return map[string]bool{
		".txt":  true,
		".log":  true,
		".csv":  true,
		".json": true,
		".xml":  true,
		".html": true,
		".htm":  true,
		".css":  true,
		".js":   true,
		".sql":  true,
		".md":   true,
		".yaml": true,
		".yml":  true,
		".ini":  true,
		".conf": true,
		".cfg":  true,
	}
}

// GetAlreadyCompressedExtensions returns a map of file extensions that are already compressed
func GetAlreadyCompressedExtensions() map[string]bool {
	return map[string]bool{
		".zip":  true,
		".gz":   true,
		".bz2":  true,
		".xz":   true,
		".rar":  true,
		".7z":   true,
		".tar":  true,
		".mp3":  true,
		".mp4":  true,
		".avi":  true,
		".mkv":  true,
		".jpg":  true,
		".jpeg": true,
		".png":  true,
		".gif":  true,
		".webp": true,
		".pdf":  true,
		".docx": true,
		".xlsx": true,
		".pptx": true,
		".odt":  true,
		".ods":  true,
		".odp":  true,
	}
}

// ShouldCompress determines if a file should be compressed based on its extension
func ShouldCompress(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))

	// Don't compress already compressed files
	if GetAlreadyCompressedExtensions()[ext] {
		return false
	}

	// Compress known compressible files
	if GetCompressibleExtensions()[ext] {
		return true
	}

	// Default to no compression for unknown extensions
	return false
}

// SafeFileOperation runs fn, wrapping any failure in a FileSystemError
// tagged with op and path so callers doing several raw os calls in a row
// (mkdir, open, seek) don't each hand-write the same wrap.
func SafeFileOperation(op, path string, fn func() error) error {
	if err := fn(); err != nil {
		return errors.NewFileSystemError(op, path, err)
	}
	return nil
}
