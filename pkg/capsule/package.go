package capsule

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"
)

// Format is a downloadable package encoding for fetch_capsule_package.
type Format string

const (
	FormatZip Format = "zip"
	FormatTar Format = "tar"
)

// epochBuildTime is used for every archive entry's modification time so
// byte-for-byte identical capsule content always produces byte-identical
// package bytes (spec §6: "no timestamps varying across builds; use
// epoch 0 or a declared build time").
var epochBuildTime = time.Unix(0, 0).UTC()

// Package serializes a capsule's files and tests into a single archive,
// entries in lexicographic path order, for fetch_capsule_package.
func Package(c *Capsule, format Format) ([]byte, error) {
	entries := archiveEntries(c)
	switch format {
	case FormatZip:
		return packageZip(entries)
	case FormatTar:
		return packageTar(entries)
	default:
		return nil, fmt.Errorf("capsule: unsupported package format %q", format)
	}
}

type archiveEntry struct {
	path    string
	content []byte
}

func archiveEntries(c *Capsule) []archiveEntry {
	paths := make([]string, 0, len(c.Files)+len(c.Tests))
	byPath := make(map[string][]byte, len(c.Files)+len(c.Tests))
	for p, content := range c.Files {
		paths = append(paths, p)
		byPath[p] = content
	}
	for p, content := range c.Tests {
		tp := "tests/" + p
		paths = append(paths, tp)
		byPath[tp] = content
	}
	sort.Strings(paths)

	entries := make([]archiveEntry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, archiveEntry{path: p, content: byPath[p]})
	}
	return entries
}

func packageZip(entries []archiveEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		header := &zip.FileHeader{Name: e.path, Method: zip.Deflate}
		header.SetModTime(epochBuildTime)
		f, err := w.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("capsule: zip entry %s: %w", e.path, err)
		}
		if _, err := f.Write(e.content); err != nil {
			return nil, fmt.Errorf("capsule: zip write %s: %w", e.path, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("capsule: close zip: %w", err)
	}
	return buf.Bytes(), nil
}

func packageTar(entries []archiveEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for _, e := range entries {
		header := &tar.Header{
			Name:    e.path,
			Mode:    0o644,
			Size:    int64(len(e.content)),
			ModTime: epochBuildTime,
		}
		if err := w.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("capsule: tar header %s: %w", e.path, err)
		}
		if _, err := w.Write(e.content); err != nil {
			return nil, fmt.Errorf("capsule: tar write %s: %w", e.path, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("capsule: close tar: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpackage reverses Package, returning the archive's path->content map
// (tests/ prefix included) for round-trip verification.
func Unpackage(data []byte, format Format) (map[string][]byte, error) {
	switch format {
	case FormatZip:
		return unpackageZip(data)
	case FormatTar:
		return unpackageTar(data)
	default:
		return nil, fmt.Errorf("capsule: unsupported package format %q", format)
	}
}

func unpackageZip(data []byte) (map[string][]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("capsule: open zip: %w", err)
	}
	out := make(map[string][]byte, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("capsule: read zip entry %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("capsule: read zip entry %s: %w", f.Name, err)
		}
		out[f.Name] = content
	}
	return out, nil
}

func unpackageTar(data []byte) (map[string][]byte, error) {
	r := tar.NewReader(bytes.NewReader(data))
	out := make(map[string][]byte)
	for {
		header, err := r.Next()
		if err != nil {
			break
		}
		content := make([]byte, header.Size)
		if _, err := io.ReadFull(r, content); err != nil {
			return nil, fmt.Errorf("capsule: read tar entry %s: %w", header.Name, err)
		}
		out[header.Name] = content
	}
	return out, nil
}
