package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vaultfs/vaultfs/internal/vfs"
)

// collectUploads turns local files and directory trees into an upload
// batch. Each argument keeps its base name; directories contribute every
// subdirectory so that empty ones are recreated.
func collectUploads(locals []string) ([]vfs.UploadFile, []string, error) {
	var files []vfs.UploadFile
	var dirs []string

	for _, local := range locals {
		info, err := os.Stat(local)
		if err != nil {
			return nil, nil, err
		}
		root := filepath.Clean(local)
		base := filepath.Dir(root)

		if !info.IsDir() {
			files = append(files, localFile(root, filepath.Base(root), info))
			continue
		}

		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				dirs = append(dirs, rel)
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			files = append(files, localFile(p, rel, fi))
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("walk %s: %w", local, err)
		}
	}
	return files, dirs, nil
}

func localFile(path, rel string, info fs.FileInfo) vfs.UploadFile {
	return vfs.UploadFile{
		RelPath: rel,
		ModTime: info.ModTime(),
		Open:    func() (io.ReadCloser, error) { return os.Open(path) },
	}
}
