package normalize

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/veridata-io/veridata/internal/schema"
)

// Extraction is the result of unpacking a submitted file for a package.
type Extraction struct {
	// Members maps catalog id to the extracted member file path.
	Members map[string]string

	// Missing lists package catalog ids with no matching member.
	Missing []string
}

// ExtractPackage unpacks the submitted file for a package into destDir
// and matches member files to the package's catalogs by base name. A
// missing member is reported in Missing, not as an error, so sibling
// catalogs continue processing.
func ExtractPackage(inputPath, destDir string, pkg *schema.Package) (*Extraction, error) {
	switch pkg.Container {
	case schema.ContainerZip, schema.ContainerGzip:
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return nil, fmt.Errorf("create extraction directory: %w", err)
		}
	}

	switch pkg.Container {
	case schema.ContainerZip:
		return extractZip(inputPath, destDir, pkg)
	case schema.ContainerGzip:
		return extractGzip(inputPath, destDir, pkg)
	case schema.ContainerNone, "":
		return matchPlain(inputPath, pkg), nil
	default:
		return nil, &FormatError{File: filepath.Base(inputPath), Reason: fmt.Sprintf("unsupported container %q", pkg.Container)}
	}
}

func extractZip(inputPath, destDir string, pkg *schema.Package) (*Extraction, error) {
	zr, err := zip.OpenReader(inputPath)
	if err != nil {
		return nil, &FormatError{File: filepath.Base(inputPath), Reason: fmt.Sprintf("not a readable zip archive: %v", err)}
	}
	defer zr.Close()

	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		byName[memberKey(f.Name)] = f
	}

	ext := &Extraction{Members: make(map[string]string, len(pkg.Catalogs))}
	for _, catalogID := range pkg.Catalogs {
		member := findMember(byName, catalogID)
		if member == nil {
			ext.Missing = append(ext.Missing, catalogID)
			continue
		}

		dest := filepath.Join(destDir, filepath.Base(member.Name))
		if err := copyZipMember(member, dest); err != nil {
			return nil, fmt.Errorf("extract member %s: %w", member.Name, err)
		}
		ext.Members[catalogID] = dest
	}

	return ext, nil
}

func extractGzip(inputPath, destDir string, pkg *schema.Package) (*Extraction, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("open package file: %w", err)
	}
	defer in.Close()

	gr, err := gzip.NewReader(in)
	if err != nil {
		return nil, &FormatError{File: filepath.Base(inputPath), Reason: fmt.Sprintf("not a readable gzip stream: %v", err)}
	}
	defer gr.Close()

	name := gr.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(inputPath), ".gz")
	}

	dest := filepath.Join(destDir, filepath.Base(name))
	if err := copyToFile(gr, dest); err != nil {
		return nil, fmt.Errorf("extract gzip member: %w", err)
	}

	// A gzip container carries exactly one member; match it to the first
	// catalog whose id matches, or to the only catalog of the package.
	ext := &Extraction{Members: make(map[string]string, 1)}
	matched := ""
	for _, catalogID := range pkg.Catalogs {
		if strings.Contains(memberKey(name), strings.ToLower(catalogID)) {
			matched = catalogID
			break
		}
	}
	if matched == "" && len(pkg.Catalogs) == 1 {
		matched = pkg.Catalogs[0]
	}

	for _, catalogID := range pkg.Catalogs {
		if catalogID == matched {
			ext.Members[catalogID] = dest
		} else {
			ext.Missing = append(ext.Missing, catalogID)
		}
	}

	return ext, nil
}

func matchPlain(inputPath string, pkg *schema.Package) *Extraction {
	ext := &Extraction{Members: make(map[string]string, 1)}

	matched := ""
	key := memberKey(inputPath)
	for _, catalogID := range pkg.Catalogs {
		if strings.Contains(key, strings.ToLower(catalogID)) {
			matched = catalogID
			break
		}
	}
	if matched == "" && len(pkg.Catalogs) == 1 {
		matched = pkg.Catalogs[0]
	}

	for _, catalogID := range pkg.Catalogs {
		if catalogID == matched {
			ext.Members[catalogID] = inputPath
		} else {
			ext.Missing = append(ext.Missing, catalogID)
		}
	}

	return ext
}

// memberKey lowers a member name to its comparable form: base name
// without extension, lowercased.
func memberKey(name string) string {
	base := filepath.Base(name)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return strings.ToLower(base)
}

func findMember(byName map[string]*zip.File, catalogID string) *zip.File {
	want := strings.ToLower(catalogID)
	if f, ok := byName[want]; ok {
		return f
	}
	for key, f := range byName {
		if strings.Contains(key, want) {
			return f
		}
	}
	return nil
}

func copyZipMember(member *zip.File, dest string) error {
	rc, err := member.Open()
	if err != nil {
		return fmt.Errorf("open member: %w", err)
	}
	defer rc.Close()
	return copyToFile(rc, dest)
}

func copyToFile(r io.Reader, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("copy data: %w", err)
	}
	return out.Sync()
}
