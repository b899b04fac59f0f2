package normalize

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/veridata-io/veridata/internal/schema"
)

func writeZip(t *testing.T, path string, members map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create member %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write member %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}

func TestExtractPackage_Zip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "daily.zip")
	writeZip(t, zipPath, map[string]string{
		"ventas.csv":   "1|Ana\n",
		"clientes.csv": "10;Cliente\n",
	})

	pkg := &schema.Package{
		Name:      "daily",
		Container: schema.ContainerZip,
		Catalogs:  []string{"ventas", "clientes", "productos"},
	}

	ext, err := ExtractPackage(zipPath, dir, pkg)
	if err != nil {
		t.Fatalf("ExtractPackage() error = %v", err)
	}

	if len(ext.Members) != 2 {
		t.Errorf("len(Members) = %d, want 2", len(ext.Members))
	}
	if _, ok := ext.Members["ventas"]; !ok {
		t.Error("ventas member not extracted")
	}
	if len(ext.Missing) != 1 || ext.Missing[0] != "productos" {
		t.Errorf("Missing = %v, want [productos]", ext.Missing)
	}

	data, err := os.ReadFile(ext.Members["ventas"])
	if err != nil {
		t.Fatalf("read extracted member: %v", err)
	}
	if string(data) != "1|Ana\n" {
		t.Errorf("extracted content = %q", data)
	}
}

func TestExtractPackage_ZipUnreadable(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.zip")
	if err := os.WriteFile(bad, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}

	pkg := &schema.Package{Name: "p", Container: schema.ContainerZip, Catalogs: []string{"ventas"}}
	if _, err := ExtractPackage(bad, dir, pkg); err == nil {
		t.Fatal("ExtractPackage() expected error for unreadable zip")
	}
}

func TestExtractPackage_Gzip(t *testing.T) {
	dir := t.TempDir()
	gzPath := filepath.Join(dir, "ventas.csv.gz")

	f, err := os.Create(gzPath)
	if err != nil {
		t.Fatal(err)
	}
	gw := gzip.NewWriter(f)
	gw.Name = "ventas.csv"
	if _, err := gw.Write([]byte("1|Ana\n")); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	pkg := &schema.Package{Name: "p", Container: schema.ContainerGzip, Catalogs: []string{"ventas"}}
	ext, err := ExtractPackage(gzPath, dir, pkg)
	if err != nil {
		t.Fatalf("ExtractPackage() error = %v", err)
	}

	path, ok := ext.Members["ventas"]
	if !ok {
		t.Fatal("ventas member not extracted")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "1|Ana\n" {
		t.Errorf("extracted content = %q", data)
	}
}

func TestExtractPackage_Plain(t *testing.T) {
	pkg := &schema.Package{Name: "p", Container: schema.ContainerNone, Catalogs: []string{"ventas"}}

	ext, err := ExtractPackage("/data/in/whatever.csv", "", pkg)
	if err != nil {
		t.Fatalf("ExtractPackage() error = %v", err)
	}
	if ext.Members["ventas"] != "/data/in/whatever.csv" {
		t.Errorf("Members = %v", ext.Members)
	}
}
