package mcpruntime

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStaticResourcesListAndRead(t *testing.T) {
	t.Parallel()

	s := NewStaticResources().
		AddText("demo://alpha", "alpha", "text/plain", "first").
		AddText("demo://beta", "beta", "text/plain", "second")

	list, err := s.List(t.Context())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].URI != "demo://alpha" || list[1].URI != "demo://beta" {
		t.Fatalf("Unexpected listing: %+v", list)
	}

	// Re-adding a URI replaces content but keeps its position.
	s.AddText("demo://alpha", "alpha", "text/plain", "updated")
	list, _ = s.List(t.Context())
	if list[0].URI != "demo://alpha" {
		t.Errorf("Expected alpha to keep its position, got %+v", list)
	}

	contents, err := s.Read(t.Context(), "demo://alpha")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(contents) != 1 || contents[0].Text != "updated" {
		t.Errorf("Unexpected contents: %+v", contents)
	}

	if _, err := s.Read(t.Context(), "demo://missing"); !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("Expected ErrResourceNotFound, got %v", err)
	}
}

// resourceRoot returns a fresh temp directory with symlinks resolved, so the
// provider's containment checks compare real paths on every platform.
func resourceRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}
	return root
}

func writeTestFile(t *testing.T, root string, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("Failed to create dir for %s: %v", rel, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", rel, err)
	}
}

func TestNewDirResourcesValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewDirResources(filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Errorf("Expected an error for a missing directory")
	}

	root := t.TempDir()
	writeTestFile(t, root, "plain.txt", []byte("x"))
	if _, err := NewDirResources(filepath.Join(root, "plain.txt"), nil); err == nil {
		t.Errorf("Expected an error for a non-directory path")
	}
}

func TestDirResourcesListAndRead(t *testing.T) {
	t.Parallel()

	root := resourceRoot(t)
	blob := []byte{0xff, 0xfe, 0xfa}
	writeTestFile(t, root, "a.json", []byte(`{"ok":true}`))
	writeTestFile(t, root, "blob", blob)
	writeTestFile(t, root, "hello world.txt", []byte("hi"))
	writeTestFile(t, root, "nested/inner.txt", []byte("nested"))
	if err := os.Symlink(filepath.Join(root, "a.json"), filepath.Join(root, "link.json")); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	d, err := NewDirResources(root, nil)
	if err != nil {
		t.Fatalf("NewDirResources failed: %v", err)
	}
	base := "file://" + filepath.ToSlash(root)

	list, err := d.List(t.Context())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	wantURIs := []string{
		base + "/a.json",
		base + "/blob",
		base + "/hello%20world.txt",
		base + "/nested/inner.txt",
	}
	if len(list) != len(wantURIs) {
		t.Fatalf("Expected %d resources, got %+v", len(wantURIs), list)
	}
	for i, want := range wantURIs {
		if list[i].URI != want {
			t.Errorf("Resource %d: expected URI %q, got %q", i, want, list[i].URI)
		}
	}
	if list[2].Name != "hello world.txt" {
		t.Errorf("Expected the unescaped name, got %q", list[2].Name)
	}
	if list[3].Name != "inner.txt" {
		t.Errorf("Expected the base name for nested files, got %q", list[3].Name)
	}
	if list[0].MimeType != "application/json" {
		t.Errorf("Expected application/json for a.json, got %q", list[0].MimeType)
	}

	contents, err := d.Read(t.Context(), base+"/a.json")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if contents[0].Text != `{"ok":true}` || contents[0].MimeType != "application/json" {
		t.Errorf("Unexpected json contents: %+v", contents[0])
	}
	if contents[0].Blob != "" {
		t.Errorf("Text resources must not carry a blob")
	}

	contents, err = d.Read(t.Context(), base+"/hello%20world.txt")
	if err != nil {
		t.Fatalf("Read of escaped URI failed: %v", err)
	}
	if contents[0].Text != "hi" {
		t.Errorf("Unexpected text: %q", contents[0].Text)
	}

	contents, err = d.Read(t.Context(), base+"/blob")
	if err != nil {
		t.Fatalf("Read of binary file failed: %v", err)
	}
	if contents[0].Text != "" {
		t.Errorf("Binary resources must not carry text")
	}
	if want := base64.StdEncoding.EncodeToString(blob); contents[0].Blob != want {
		t.Errorf("Expected blob %q, got %q", want, contents[0].Blob)
	}
	if contents[0].MimeType != "application/octet-stream" {
		t.Errorf("Expected the fallback mime type, got %q", contents[0].MimeType)
	}
}

func TestDirResourcesRejectsEscapingReads(t *testing.T) {
	t.Parallel()

	root := resourceRoot(t)
	writeTestFile(t, root, "ok.txt", []byte("fine"))

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("hidden"), 0o644); err != nil {
		t.Fatalf("Failed to write outside file: %v", err)
	}
	if err := os.Symlink(secret, filepath.Join(root, "sneaky.txt")); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	d, err := NewDirResources(root, nil)
	if err != nil {
		t.Fatalf("NewDirResources failed: %v", err)
	}
	base := "file://" + filepath.ToSlash(root)

	for _, uri := range []string{
		base + "/../secret.txt",
		base + "/%2e%2e/secret.txt",
		"file:///somewhere/else.txt",
		base + "/missing.txt",
		base + "/sneaky.txt",
	} {
		if _, err := d.Read(t.Context(), uri); !errors.Is(err, ErrResourceNotFound) {
			t.Errorf("Read(%q): expected ErrResourceNotFound, got %v", uri, err)
		}
	}

	if _, err := d.Read(t.Context(), base+"/ok.txt"); err != nil {
		t.Errorf("Read of an in-root file failed: %v", err)
	}
}

func TestDirResourcesWatch(t *testing.T) {
	t.Parallel()

	root := resourceRoot(t)
	d, err := NewDirResources(root, nil)
	if err != nil {
		t.Fatalf("NewDirResources failed: %v", err)
	}

	changes := make(chan struct{}, 16)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- d.Watch(ctx, func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
	}()

	// The watcher registers directories before consuming events, but the
	// goroutine may not have gotten there yet. Poke the directory until a
	// change report comes back.
	probe := filepath.Join(root, "probe.txt")
	deadline := time.After(5 * time.Second)
	for ready := false; !ready; {
		if err := os.WriteFile(probe, []byte("x"), 0o644); err != nil {
			t.Fatalf("Failed to write probe: %v", err)
		}
		select {
		case <-changes:
			ready = true
		case <-deadline:
			t.Fatalf("Watcher never reported the probe file")
		case <-time.After(100 * time.Millisecond):
			_ = os.Remove(probe)
		}
	}
	settle(changes)

	writeTestFile(t, root, "added.txt", []byte("new"))
	awaitChange(t, changes, "file creation")
	settle(changes)

	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("Failed to create subdirectory: %v", err)
	}
	awaitChange(t, changes, "directory creation")
	settle(changes)

	// The new subdirectory is watched once its creation was reported.
	writeTestFile(t, root, "sub/deep.txt", []byte("deep"))
	awaitChange(t, changes, "nested file creation")
	settle(changes)

	if err := os.Remove(filepath.Join(root, "added.txt")); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	awaitChange(t, changes, "file removal")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("Watch did not return after cancellation")
	}
}

func awaitChange(t *testing.T, changes <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatalf("Watcher did not report %s", what)
	}
}

// settle absorbs trailing notifications from the previous operation so the
// next assertion starts from a quiet watcher.
func settle(changes <-chan struct{}) {
	for {
		select {
		case <-changes:
		case <-time.After(150 * time.Millisecond):
			return
		}
	}
}
