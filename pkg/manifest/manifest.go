// Package manifest loads build jobs: which channels to import, extra files
// to copy into the image and the image size.
package manifest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/kolibri-offline/imagebuilder/pkg/populator"
	"github.com/kolibri-offline/imagebuilder/pkg/sizespec"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

var ErrInvalidManifest = errors.New("invalid manifest")

// Channel selects content from one channel. An entry with no fields imports
// the whole channel.
type Channel struct {
	ID             string                 `yaml:"-"`
	IncludeNodeIDs []string               `yaml:"include_node_ids"`
	ExcludeNodeIDs []string               `yaml:"exclude_node_ids"`
	Method         diskimage.ImportMethod `yaml:"method"`
	Source         string                 `yaml:"source"`
}

// Manifest describes one build job. Channels keep the order of the document.
type Manifest struct {
	JobID      string                `mapstructure:"job_id"`
	Size       string                `mapstructure:"size"`
	Source     string                `mapstructure:"source"`
	Label      string                `mapstructure:"label"`
	Channels   []Channel             `mapstructure:"-"`
	OtherFiles []populator.ExtraFile `mapstructure:"other_files"`
}

// Load reads a JSON or YAML manifest; the format follows the file extension.
func Load(path string) (*Manifest, error) {
	slog.Info("manifest_load", "path", path)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("%w: %s is not a .json, .yaml or .yml file", ErrInvalidManifest, path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		slog.Error("manifest_read_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to read manifest")
	}

	var m Manifest
	if err := v.Unmarshal(&m); err != nil {
		return nil, errors.WrapKind(ErrInvalidManifest, err, "failed to decode manifest")
	}

	channels, err := readChannels(path)
	if err != nil {
		return nil, err
	}
	m.Channels = channels

	if err := m.Validate(); err != nil {
		return nil, err
	}

	slog.Info("manifest_loaded", "path", path, "job_id", m.JobID, "channels", len(m.Channels), "other_files", len(m.OtherFiles))
	return &m, nil
}

// readChannels decodes the channels mapping from the raw document. viper
// drops keys whose value is empty and does not keep key order, so the mapping
// is walked as a yaml node instead. JSON documents parse as YAML.
func readChannels(path string) ([]Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifest")
	}

	var doc struct {
		Channels yaml.Node `yaml:"channels"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapKind(ErrInvalidManifest, err, "failed to decode channels")
	}

	node := &doc.Channels
	switch {
	case node.Kind == 0, node.Tag == "!!null":
		return nil, nil
	case node.Kind != yaml.MappingNode:
		return nil, fmt.Errorf("%w: channels must be a mapping of channel id to selection", ErrInvalidManifest)
	}

	seen := make(map[string]bool, len(node.Content)/2)
	channels := make([]Channel, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		var ch Channel
		if value.Tag != "!!null" {
			if err := value.Decode(&ch); err != nil {
				return nil, errors.WrapKind(ErrInvalidManifest, err, fmt.Sprintf("channel %s", key.Value))
			}
		}
		ch.ID = strings.TrimSpace(key.Value)
		if seen[ch.ID] {
			return nil, fmt.Errorf("%w: channel %s listed twice", ErrInvalidManifest, ch.ID)
		}
		seen[ch.ID] = true
		channels = append(channels, ch)
	}
	return channels, nil
}

// Validate checks the manifest for errors
func (m *Manifest) Validate() error {
	if m.Size != "" {
		if _, err := sizespec.Parse(m.Size); err != nil {
			return errors.WrapKind(ErrInvalidManifest, err, "size")
		}
	}
	for _, ch := range m.Channels {
		if ch.ID == "" {
			return fmt.Errorf("%w: empty channel id", ErrInvalidManifest)
		}
		switch ch.Method {
		case "", diskimage.MethodNetwork, diskimage.MethodDisk:
		default:
			return fmt.Errorf("%w: channel %s: unknown method %q", ErrInvalidManifest, ch.ID, ch.Method)
		}
	}
	for i, f := range m.OtherFiles {
		if f.Source == "" || f.Destination == "" {
			return fmt.Errorf("%w: other_files[%d] needs source and destination", ErrInvalidManifest, i)
		}
	}
	return nil
}

// Selections returns the channels as content selections in manifest order.
func (m *Manifest) Selections() []diskimage.ContentSelection {
	sels := make([]diskimage.ContentSelection, 0, len(m.Channels))
	for _, ch := range m.Channels {
		source := ch.Source
		if source == "" {
			source = m.Source
		}
		sels = append(sels, diskimage.ContentSelection{
			ChannelID:      ch.ID,
			IncludeNodeIDs: ch.IncludeNodeIDs,
			ExcludeNodeIDs: ch.ExcludeNodeIDs,
			Method:         ch.Method,
			Source:         source,
		})
	}
	return sels
}
