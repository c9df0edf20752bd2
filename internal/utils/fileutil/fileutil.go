package fileutil

import (
	"errors"
	"os"
	"path/filepath"
)

// AtomicWriteFile writes data to a temporary file in the target directory and
// then renames it over the target, so readers never observe a partial file.
// The directory is created if missing.
// AtomicWriteFile 将数据写入目标目录中的临时文件，然后重命名为目标文件，读者不会看到写了一半的文件。
func AtomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename) // #nosec G703 // Safe: filepath.Dir cleans the path preventing traversal
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, ".dshark-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpFile.Name(), filename) // #nosec G703 // filename is validated by caller
}

// ReadFileIfExists returns the file content, or nil without error when the
// file does not exist.
// ReadFileIfExists 返回文件内容；文件不存在时返回 nil 且无错误。
func ReadFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 // path comes from configuration
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
