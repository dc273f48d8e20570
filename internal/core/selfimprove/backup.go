package selfimprove

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// backupFiles copies each target file under projectPath into backupDir,
// recording a BackupFile per target. Files that don't exist yet are
// recorded with Existed=false so rollback knows to delete rather than
// restore them.
func backupFiles(projectPath, backupDir string, targetFiles []string) ([]model.BackupFile, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	var out []model.BackupFile
	for i, rel := range targetFiles {
		src := filepath.Join(projectPath, rel)
		info, err := os.Stat(src)
		if err != nil {
			if os.IsNotExist(err) {
				out = append(out, model.BackupFile{OriginalPath: rel, Existed: false})
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", rel, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("target %s is a directory", rel)
		}

		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		sum := sha256.Sum256(data)
		backupPath := filepath.Join(backupDir, fmt.Sprintf("%d", i))
		if err := os.WriteFile(backupPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("write backup of %s: %w", rel, err)
		}
		out = append(out, model.BackupFile{
			OriginalPath: rel,
			BackupPath:   backupPath,
			Checksum:     hex.EncodeToString(sum[:]),
			Existed:      true,
		})
	}
	return out, nil
}

// restoreFiles reverses backupFiles: files that existed are copied back
// from their backup; files that didn't exist are removed.
func restoreFiles(projectPath string, files []model.BackupFile) ([]string, error) {
	var restored []string
	for _, f := range files {
		dst := filepath.Join(projectPath, f.OriginalPath)
		if !f.Existed {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return restored, fmt.Errorf("remove %s: %w", f.OriginalPath, err)
			}
			restored = append(restored, f.OriginalPath)
			continue
		}
		if err := copyFile(f.BackupPath, dst); err != nil {
			return restored, fmt.Errorf("restore %s: %w", f.OriginalPath, err)
		}
		restored = append(restored, f.OriginalPath)
	}
	return restored, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// applyChange writes or deletes a target file per c.Type.
func applyChange(projectPath string, c model.Change) error {
	dst := filepath.Join(projectPath, c.File)
	switch c.Type {
	case model.ChangeDelete:
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", c.File, err)
		}
	case model.ChangeCreate, model.ChangeModify:
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", c.File, err)
		}
		if err := os.WriteFile(dst, []byte(c.NewContent), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", c.File, err)
		}
	default:
		return fmt.Errorf("unknown change type %q for %s", c.Type, c.File)
	}
	return nil
}
