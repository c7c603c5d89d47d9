package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/populator"
	"gotest.tools/v3/assert"
)

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	assert.NilError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadJSON(t *testing.T) {
	path := writeManifest(t, "job.json", `{
  "job_id": "job-42",
  "size": "8GB",
  "channels": {
    "f9d3e0e46ea25789bbed672ff6a399ed": {"include_node_ids": ["a", "b"]},
    "095a2c1b9e6d4f2ab7a58f8ec3a1b2c3": {"exclude_node_ids": ["c"], "source": "/srv/cache"}
  },
  "other_files": [
    {"source": "https://example.org/guide.pdf", "destination": "docs/guide.pdf"}
  ]
}`)

	m, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, m.JobID, "job-42")
	assert.Equal(t, m.Size, "8GB")
	assert.DeepEqual(t, m.OtherFiles, []populator.ExtraFile{
		{Source: "https://example.org/guide.pdf", Destination: "docs/guide.pdf"},
	})

	sels := m.Selections()
	assert.Equal(t, len(sels), 2)
	assert.Equal(t, sels[0].ChannelID, "f9d3e0e46ea25789bbed672ff6a399ed")
	assert.DeepEqual(t, sels[0].IncludeNodeIDs, []string{"a", "b"})
	assert.Equal(t, sels[1].ChannelID, "095a2c1b9e6d4f2ab7a58f8ec3a1b2c3")
	assert.DeepEqual(t, sels[1].ExcludeNodeIDs, []string{"c"})
	assert.Equal(t, sels[1].Source, "/srv/cache")
}

func TestLoadWholeChannelEntries(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    []string
	}{
		{
			name:    "json empty object",
			file:    "job.json",
			content: `{"channels": {"17e25cd51c1842dd87755dcd7cd515a4": {}}}`,
			want:    []string{"17e25cd51c1842dd87755dcd7cd515a4"},
		},
		{
			name:    "json mixed entries keep document order",
			file:    "job.json",
			content: `{"channels": {"zzz": {}, "bbb": {}, "aaa": {"include_node_ids": ["n"]}}}`,
			want:    []string{"zzz", "bbb", "aaa"},
		},
		{
			name:    "yaml null and empty entries",
			file:    "job.yaml",
			content: "channels:\n  c2:\n  c1: {}\n",
			want:    []string{"c2", "c1"},
		},
		{
			name:    "no channels",
			file:    "job.yml",
			content: "job_id: only-files\n",
			want:    []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Load(writeManifest(t, tt.file, tt.content))
			assert.NilError(t, err)

			ids := []string{}
			for _, sel := range m.Selections() {
				assert.Assert(t, sel.IncludeNodeIDs == nil || sel.ChannelID == "aaa")
				assert.Assert(t, sel.ExcludeNodeIDs == nil)
				ids = append(ids, sel.ChannelID)
			}
			assert.DeepEqual(t, ids, tt.want)
		})
	}
}

func TestLoadKeepsChannelIDCase(t *testing.T) {
	m, err := Load(writeManifest(t, "job.yaml", "channels:\n  MixedCase:\n"))
	assert.NilError(t, err)
	sels := m.Selections()
	assert.Equal(t, len(sels), 1)
	assert.Equal(t, sels[0].ChannelID, "MixedCase")
}

func TestLoadYAML(t *testing.T) {
	path := writeManifest(t, "job.yaml", `
job_id: yaml-job
source: https://mirror.example.org/
channels:
  c1:
    method: network
`)

	m, err := Load(path)
	assert.NilError(t, err)
	sels := m.Selections()
	assert.Equal(t, len(sels), 1)
	assert.Equal(t, sels[0].Method, diskimage.MethodNetwork)
	assert.Equal(t, sels[0].Source, "https://mirror.example.org/")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read manifest")

	_, err = Load(writeManifest(t, "job.toml", `job_id = "x"`))
	assert.Assert(t, errors.Is(err, ErrInvalidManifest), "got %v", err)

	tests := []struct {
		name    string
		content string
	}{
		{name: "bad size", content: `{"size": "huge"}`},
		{name: "bad method", content: `{"channels": {"c1": {"method": "carrier-pigeon"}}}`},
		{name: "file without destination", content: `{"other_files": [{"source": "a"}]}`},
		{name: "channels not a mapping", content: `{"channels": ["c1", "c2"]}`},
		{name: "duplicate channel", content: `{"channels": {"c1": {}, "c1": {"method": "disk"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeManifest(t, "m.json", tt.content))
			assert.Assert(t, errors.Is(err, ErrInvalidManifest), "got %v", err)
		})
	}
}
