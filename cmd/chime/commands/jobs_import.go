package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/chime/errors"
	"github.com/teranos/chime/schedule"
)

// manifestSchemaConstraint is the schema_version range this build accepts.
const manifestSchemaConstraint = "^1"

var jobsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import jobs from a TOML or YAML manifest",
	Long: `Import scheduled jobs from a manifest file. The format follows the
file extension: .toml, .yaml or .yml.

A manifest carries a schema_version (semver, ^1 accepted) and a list of
jobs. schedule_config is written structured and converted to the JSON
the catalog stores:

  schema_version = "1.0.0"

  [[jobs]]
  app = "reports"
  service = "daily-report"
  endpoint = "https://svc.internal/api/report"
  frequency = "daily"
  start_date = "2026-01-01"

  [jobs.schedule_config]
  times = ["09:00"]

Jobs import independently: a failing entry is reported and skipped, the
rest still land. The command exits non-zero when any entry failed.

Example:
  chime jobs import jobs.toml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsImport(args[0])
	},
}

// jobManifest is the on-disk import format.
type jobManifest struct {
	SchemaVersion string        `toml:"schema_version" yaml:"schema_version"`
	Jobs          []manifestJob `toml:"jobs" yaml:"jobs"`
}

type manifestJob struct {
	App             string                 `toml:"app" yaml:"app"`
	Service         string                 `toml:"service" yaml:"service"`
	Endpoint        string                 `toml:"endpoint" yaml:"endpoint"`
	Frequency       string                 `toml:"frequency" yaml:"frequency"`
	StartDate       string                 `toml:"start_date" yaml:"start_date"`
	ScheduleConfig  map[string]interface{} `toml:"schedule_config" yaml:"schedule_config"`
	PayloadTemplate string                 `toml:"payload_template" yaml:"payload_template"`
	TriggerLimit    *int                   `toml:"trigger_limit" yaml:"trigger_limit"`
	MaxRetries      *int                   `toml:"max_retries" yaml:"max_retries"`
	Active          *bool                  `toml:"active" yaml:"active"`
}

func runJobsImport(path string) error {
	manifest, err := parseManifest(path)
	if err != nil {
		return err
	}
	if err := checkManifestSchema(manifest.SchemaVersion); err != nil {
		return err
	}
	if len(manifest.Jobs) == 0 {
		pterm.Warning.Printf("Manifest %s contains no jobs\n", path)
		return nil
	}

	return withJobStore(func(jobs *schedule.Store) error {
		created := 0
		failed := 0

		for i, entry := range manifest.Jobs {
			job, err := entry.toJob()
			if err == nil {
				err = jobs.Create(job)
			}
			if err != nil {
				failed++
				pterm.Error.Printf("Entry %d (%s/%s): %v\n", i+1, entry.App, entry.Service, err)
				continue
			}
			created++
			fmt.Printf("  %s  %s/%s (%s)\n", job.ID, job.App, job.Service, job.Frequency)
		}

		fmt.Printf("\n")
		if failed > 0 {
			pterm.Warning.Printf("Imported %d job(s), %d failed\n", created, failed)
			return errors.Newf("%d of %d manifest entries failed to import", failed, len(manifest.Jobs))
		}
		pterm.Success.Printf("Imported %d job(s)\n", created)
		return nil
	})
}

// parseManifest reads and decodes a manifest, picking the decoder from
// the file extension.
func parseManifest(path string) (*jobManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest %s", path)
	}

	var manifest jobManifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &manifest); err != nil {
			return nil, errors.Wrapf(err, "failed to parse TOML manifest %s", path)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, errors.Wrapf(err, "failed to parse YAML manifest %s", path)
		}
	default:
		return nil, errors.Newf("unsupported manifest format %q (use .toml, .yaml or .yml)", filepath.Ext(path))
	}

	return &manifest, nil
}

// checkManifestSchema enforces the ^1 schema_version constraint.
func checkManifestSchema(schemaVersion string) error {
	if schemaVersion == "" {
		return errors.New("manifest is missing schema_version")
	}
	v, err := semver.NewVersion(schemaVersion)
	if err != nil {
		return errors.Newf("manifest schema_version %q is not valid semver: %v", schemaVersion, err)
	}
	constraint, err := semver.NewConstraint(manifestSchemaConstraint)
	if err != nil {
		return errors.Wrap(err, "invalid schema constraint")
	}
	if !constraint.Check(v) {
		return errors.Newf("manifest schema_version %s is outside the supported %s range", schemaVersion, manifestSchemaConstraint)
	}
	return nil
}

// toJob converts a manifest entry into a catalog job. Structured
// schedule_config re-encodes as the JSON string the store keeps.
func (m manifestJob) toJob() (*schedule.Job, error) {
	job := &schedule.Job{
		App:             m.App,
		Service:         m.Service,
		Endpoint:        m.Endpoint,
		Frequency:       schedule.Frequency(m.Frequency),
		PayloadTemplate: m.PayloadTemplate,
		TriggerLimit:    m.TriggerLimit,
		MaxRetries:      3,
		IsActive:        true,
	}
	if m.MaxRetries != nil {
		job.MaxRetries = *m.MaxRetries
	}
	if m.Active != nil {
		job.IsActive = *m.Active
	}

	if m.StartDate != "" {
		parsed, err := parseStartDate(m.StartDate)
		if err != nil {
			return nil, err
		}
		job.StartDate = parsed
	}

	if len(m.ScheduleConfig) > 0 {
		encoded, err := json.Marshal(m.ScheduleConfig)
		if err != nil {
			return nil, errors.Wrap(err, "schedule_config does not encode as JSON")
		}
		job.ScheduleConfig = string(encoded)
	}

	return job, nil
}
