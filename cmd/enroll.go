package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/encoder"
	"github.com/kozaktomas/face-attendance/internal/matcher"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <manifest.yaml>",
	Short: "Enroll people in bulk from a YAML manifest",
	Long: `Enroll every person listed in a YAML manifest.

The manifest looks like:

  people:
    - full_name: Ada Lovelace
      email: ada@example.com
      external_id: S-001
      image: photos/ada.jpg

Image paths are relative to the manifest. Each image is encoded and the
identity is stored; duplicates and images without exactly one face are
reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)
	enrollCmd.Flags().Int("concurrency", constants.DefaultConcurrency, "Number of images encoded in parallel")
	enrollCmd.Flags().Bool("dry-run", false, "Validate the manifest without enrolling anyone")
}

type enrollManifest struct {
	People []manifestPerson `yaml:"people"`
}

type manifestPerson struct {
	FullName   string `yaml:"full_name"`
	Email      string `yaml:"email"`
	ExternalID string `yaml:"external_id"`
	Image      string `yaml:"image"`
}

// loadManifest parses path and resolves image paths against its directory.
func loadManifest(path string) (*enrollManifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied manifest
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m enrollManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if len(m.People) == 0 {
		return nil, errors.New("manifest lists no people")
	}
	dir := filepath.Dir(path)
	for i := range m.People {
		p := &m.People[i]
		if p.Image == "" {
			return nil, fmt.Errorf("entry %d (%s) has no image", i+1, p.FullName)
		}
		if !filepath.IsAbs(p.Image) {
			p.Image = filepath.Join(dir, p.Image)
		}
	}
	return &m, nil
}

// similarNames groups manifest entries whose names only differ in case, diacritics or
// dashes. They are allowed but usually a typo.
func similarNames(people []manifestPerson) [][]string {
	groups := make(map[string][]string)
	var order []string
	for _, p := range people {
		key := matcher.NormalizePersonName(p.FullName)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], p.FullName)
	}
	var out [][]string
	for _, key := range order {
		if len(groups[key]) > 1 {
			out = append(out, groups[key])
		}
	}
	return out
}

type enrollOutcome struct {
	person manifestPerson
	id     int64
	err    error
}

// enrollPeople encodes and enrolls every person with at most concurrency in flight.
// Entries start in manifest order, so with one worker an earlier entry always wins a
// duplicate. Outcomes follow the manifest order.
func enrollPeople(ctx context.Context, enc encoder.Encoder, registry *matcher.Registry,
	people []manifestPerson, concurrency int, onDone func(),
) []enrollOutcome {
	if concurrency <= 0 {
		concurrency = constants.DefaultConcurrency
	}
	outcomes := make([]enrollOutcome, len(people))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, person := range people {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, p manifestPerson) {
			defer wg.Done()
			defer func() { <-sem }()
			if onDone != nil {
				defer onDone()
			}

			outcomes[i].person = p
			data, err := os.ReadFile(p.Image) //nolint:gosec // path from operator manifest
			if err != nil {
				outcomes[i].err = fmt.Errorf("reading image: %w", err)
				return
			}
			if len(data) > constants.MaxImageBytes {
				outcomes[i].err = apperr.Newf(apperr.ErrInvalidInput, "image exceeds %d bytes", constants.MaxImageBytes)
				return
			}
			encoding, err := enc.Encode(ctx, data)
			if err != nil {
				outcomes[i].err = err
				return
			}
			outcomes[i].id, outcomes[i].err = registry.Enroll(ctx, matcher.EnrollRequest{
				FullName:   p.FullName,
				Email:      p.Email,
				ExternalID: p.ExternalID,
				Encoding:   encoding,
			})
		}(i, person)
	}

	wg.Wait()
	return outcomes
}

func runEnroll(cmd *cobra.Command, args []string) error {
	manifest, err := loadManifest(args[0])
	if err != nil {
		return err
	}
	for _, group := range similarNames(manifest.People) {
		fmt.Printf("Warning: similar names in manifest: %q\n", group)
	}
	if mustGetBool(cmd, "dry-run") {
		fmt.Printf("Manifest OK: %d people\n", len(manifest.People))
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	bar := progressbar.NewOptions(len(manifest.People),
		progressbar.OptionSetDescription("Enrolling"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("people"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	outcomes := enrollPeople(ctx, a.encoder(), a.registry, manifest.People,
		mustGetInt(cmd, "concurrency"), func() { _ = bar.Add(1) })
	fmt.Println()

	var enrolled, failed int
	for _, o := range outcomes {
		if o.err != nil {
			failed++
			fmt.Printf("  %s <%s>: %s (%s)\n", o.person.FullName, o.person.Email, apperr.MessageOf(o.err), apperr.CodeOf(o.err))
			a.logger.Debug("enrollment failed", "external_id", o.person.ExternalID, "error", o.err)
			continue
		}
		enrolled++
	}

	fmt.Printf("\nCompleted: %d enrolled, %d failed\n", enrolled, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d enrollments failed", failed, len(outcomes))
	}
	return nil
}
