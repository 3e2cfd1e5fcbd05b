package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/detection"
	"github.com/kozaktomas/face-attendance/internal/matcher"
)

type fileEncoder map[string][]float32

func (f fileEncoder) Encode(_ context.Context, img []byte) ([]float32, error) {
	if enc, ok := f[string(img)]; ok {
		return enc, nil
	}
	return nil, apperr.ErrNoFace
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "people.yaml", `people:
  - full_name: Ada Lovelace
    email: ada@example.com
    external_id: S-001
    image: ada.jpg
  - full_name: Alan Turing
    email: alan@example.com
    external_id: S-002
    image: /abs/alan.jpg
`)

	m, err := loadManifest(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.People) != 2 {
		t.Fatalf("expected 2 people, got %d", len(m.People))
	}
	if m.People[0].Image != filepath.Join(dir, "ada.jpg") {
		t.Errorf("relative image not resolved: %s", m.People[0].Image)
	}
	if m.People[1].Image != "/abs/alan.jpg" {
		t.Errorf("absolute image changed: %s", m.People[1].Image)
	}
}

func TestLoadManifest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", "people: []\n", "no people"},
		{"missing image", "people:\n  - full_name: Ada\n", "has no image"},
		{"bad yaml", "people: [\n", "parsing manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "m.yaml", tt.content)
			_, err := loadManifest(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if _, err := loadManifest(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSimilarNames(t *testing.T) {
	people := []manifestPerson{
		{FullName: "Jiří Novák"},
		{FullName: "Ada Lovelace"},
		{FullName: "jiri  novak"},
		{FullName: "Jean-Luc Picard"},
		{FullName: "Jean Luc Picard"},
	}

	groups := similarNames(people)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %v", groups)
	}
	if groups[0][0] != "Jiří Novák" || groups[0][1] != "jiri  novak" {
		t.Errorf("unexpected first group %v", groups[0])
	}
	if groups[1][0] != "Jean-Luc Picard" {
		t.Errorf("unexpected second group %v", groups[1])
	}
}

func TestEnrollPeople(t *testing.T) {
	dir := t.TempDir()
	store := mock.NewMockStore()
	registry := matcher.NewRegistry(store, matcher.Options{Dim: 3})
	enc := fileEncoder{
		"ada-face":  {0.1, 0.2, 0.3},
		"alan-face": {0.9, 0.8, 0.7},
	}

	people := []manifestPerson{
		{FullName: "Ada Lovelace", Email: "ada@example.com", ExternalID: "S-001", Image: writeFile(t, dir, "ada.jpg", "ada-face")},
		{FullName: "Nobody", Email: "nobody@example.com", ExternalID: "S-002", Image: writeFile(t, dir, "blank.jpg", "blank")},
		{FullName: "Alan Turing", Email: "ADA@example.com", ExternalID: "S-003", Image: writeFile(t, dir, "alan.jpg", "alan-face")},
		{FullName: "Missing", Email: "m@example.com", ExternalID: "S-004", Image: filepath.Join(dir, "missing.jpg")},
	}

	var done atomic.Int32
	// With one worker entries run in manifest order, so the later duplicate loses.
	outcomes := enrollPeople(context.Background(), enc, registry, people, 1, func() { done.Add(1) })

	if int(done.Load()) != len(people) {
		t.Errorf("expected %d progress ticks, got %d", len(people), done.Load())
	}
	if outcomes[0].err != nil || outcomes[0].id == 0 {
		t.Errorf("expected Ada enrolled, got %+v", outcomes[0])
	}
	if apperr.CodeOf(outcomes[1].err) != "no_face" {
		t.Errorf("expected no_face, got %v", outcomes[1].err)
	}
	if apperr.CodeOf(outcomes[2].err) != "duplicate" {
		t.Errorf("expected duplicate email, got %v", outcomes[2].err)
	}
	if outcomes[3].err == nil {
		t.Error("expected error for missing image")
	}
	for i, o := range outcomes {
		if o.person.FullName != people[i].FullName {
			t.Errorf("outcome %d out of order: %s", i, o.person.FullName)
		}
	}

	count, err := store.CountIdentities(context.Background())
	if err != nil || count != 1 {
		t.Errorf("expected 1 identity stored, got %d (%v)", count, err)
	}
}

type recordingEncoder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingEncoder) Encode(_ context.Context, img []byte) ([]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, string(img))
	return []float32{float32(len(r.seen)), 0, 0}, nil
}

func TestEnrollPeople_SingleWorkerKeepsManifestOrder(t *testing.T) {
	dir := t.TempDir()
	var people []manifestPerson
	var want []string
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		want = append(want, name)
		people = append(people, manifestPerson{
			FullName:   "Person " + name,
			Email:      name + "@example.com",
			ExternalID: "ID-" + name,
			Image:      writeFile(t, dir, name+".jpg", name),
		})
	}

	for range 20 {
		enc := &recordingEncoder{}
		registry := matcher.NewRegistry(mock.NewMockStore(), matcher.Options{Dim: 3})
		enrollPeople(context.Background(), enc, registry, people, 1, nil)
		if !slices.Equal(enc.seen, want) {
			t.Fatalf("expected manifest order %v, got %v", want, enc.seen)
		}
	}
}

func TestChunkImages(t *testing.T) {
	images := make([]detection.Image, 45)
	chunks := chunkImages(images, 20)
	if len(chunks) != 3 || len(chunks[0]) != 20 || len(chunks[2]) != 5 {
		t.Errorf("unexpected chunking: %d chunks", len(chunks))
	}
	if got := chunkImages(nil, 20); len(got) != 0 {
		t.Errorf("expected no chunks for no images, got %d", len(got))
	}
}

func TestReadDetectImages(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "face.png", "pixels")

	images, err := readDetectImages([]string{path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if images[0].Filename != "face.png" || string(images[0].Data) != "pixels" {
		t.Errorf("unexpected image %+v", images[0])
	}

	if _, err := readDetectImages([]string{filepath.Join(dir, "nope.png")}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"service":"face-attendance"`) {
		t.Errorf("unexpected output %s", out)
	}

	buf.Reset()
	newLogger(config.LogConfig{Level: "bogus"}, &buf).Info("text line")
	if !strings.Contains(buf.String(), "msg=\"text line\"") {
		t.Errorf("expected text output at info level, got %s", buf.String())
	}
}

func TestApplyServeFlags(t *testing.T) {
	cfg := config.Defaults()
	cmd := serveCmd
	t.Cleanup(func() {
		for _, name := range []string{"port", "host", "session-secret", "memory"} {
			f := cmd.Flags().Lookup(name)
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})

	if err := cmd.Flags().Parse([]string{"--port", "9090", "--memory", "--session-secret", "s3cret"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	applyServeFlags(cmd, cfg)

	if cfg.Web.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Web.Host != "0.0.0.0" {
		t.Errorf("host should keep its default, got %s", cfg.Web.Host)
	}
	if cfg.Database.Driver != config.DriverMemory {
		t.Errorf("expected memory driver, got %s", cfg.Database.Driver)
	}
	if cfg.Session.Secret != "s3cret" {
		t.Errorf("expected session secret override, got %q", cfg.Session.Secret)
	}
}
