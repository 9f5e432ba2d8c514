package scaffolder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CalculateFileHash returns the hex SHA-256 of a file's contents.
func CalculateFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashTree fingerprints the non-excluded files under root by relative path,
// permission bits and content. Modification times are ignored so a fresh
// clone of the same revision hashes the same.
func hashTree(root string, ex *excluder) ([]string, string, error) {
	h := sha256.New()
	var files []string

	err := walkSource(root, ex, func(path, relPath string, d fs.DirEntry) error {
		rel := filepath.ToSlash(relPath)
		switch {
		case d.IsDir():
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\x00link\x00%s\n", rel, target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			sum, err := CalculateFileHash(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\x00%o\x00%s\n", rel, info.Mode().Perm(), sum)
		default:
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return files, hex.EncodeToString(h.Sum(nil)), nil
}

// contentHash combines everything that determines the built image.
func contentHash(dockerfile, manifestDigest, treeHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "dockerfile\x00%s\x00manifest\x00%s\x00tree\x00%s", dockerfile, manifestDigest, treeHash)
	return hex.EncodeToString(h.Sum(nil))
}
