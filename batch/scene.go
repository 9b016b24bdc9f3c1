package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/janelia-flyem/maskchan/maskchan"
	"github.com/janelia-flyem/maskchan/volume"
)

const sceneSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["fragments"],
	"properties": {
		"name": {"type": "string"},
		"inverted_y": {"type": "boolean"},
		"fragments": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "mask"],
				"properties": {
					"id": {"type": "integer"},
					"name": {"type": "string"},
					"mask": {"type": "string", "minLength": 1},
					"channel": {"type": "string"},
					"group": {"type": "string"},
					"compartment": {"type": "boolean"},
					"inverted_y": {"type": "boolean"},
					"voxel_count": {"type": "integer", "minimum": 0}
				}
			}
		}
	}
}`

var sceneSchema = jsonschema.MustCompileString("scene.json", sceneSchemaJSON)

// Scene is a manifest of the fragments merged by one batch.
type Scene struct {
	Name      string          `json:"name"`
	InvertedY bool            `json:"inverted_y"` // default for fragments
	Fragments []SceneFragment `json:"fragments"`

	dir string
}

// SceneFragment is one manifest entry.  Mask and channel paths may be
// relative to the manifest's directory or keys within a bucket.
type SceneFragment struct {
	ID          int64  `json:"id"`
	Name        string `json:"name,omitempty"`
	Mask        string `json:"mask"`
	Channel     string `json:"channel,omitempty"`
	Group       string `json:"group,omitempty"`
	Compartment bool   `json:"compartment,omitempty"`
	InvertedY   *bool  `json:"inverted_y,omitempty"`
	VoxelCount  int64  `json:"voxel_count,omitempty"`
}

// LoadScene reads and validates a JSON scene manifest.
func LoadScene(filename string) (*Scene, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	scene, err := ParseScene(data)
	if err != nil {
		return nil, fmt.Errorf("scene %s: %v", filename, err)
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	scene.dir = filepath.Dir(abs)
	return scene, nil
}

// ParseScene validates manifest JSON against the scene schema and decodes it.
func ParseScene(data []byte) (*Scene, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("bad scene JSON: %v", err)
	}
	if err := sceneSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("invalid scene: %v", err)
	}
	var scene Scene
	if err := json.Unmarshal(data, &scene); err != nil {
		return nil, err
	}
	if len(scene.Fragments) > volume.MaxMaskID {
		return nil, fmt.Errorf("scene has %d fragments, more than the %d mask ids available",
			len(scene.Fragments), volume.MaxMaskID)
	}
	ids := make(map[int64]struct{}, len(scene.Fragments))
	for _, sf := range scene.Fragments {
		if _, dup := ids[sf.ID]; dup {
			return nil, fmt.Errorf("fragment id %d appears more than once in scene", sf.ID)
		}
		ids[sf.ID] = struct{}{}
	}
	return &scene, nil
}

// Dir returns the manifest's directory, or "" if it was not read from a file.
func (s *Scene) Dir() string {
	return s.dir
}

// Build returns the scene's fragments.  Mask ids are assigned 1, 2, ... in
// manifest order.
func (s *Scene) Build() []*maskchan.Fragment {
	frags := make([]*maskchan.Fragment, len(s.Fragments))
	for i, sf := range s.Fragments {
		inverted := s.InvertedY
		if sf.InvertedY != nil {
			inverted = *sf.InvertedY
		}
		name := sf.Name
		if name == "" {
			name = filepath.Base(sf.Mask)
		}
		frag := &maskchan.Fragment{
			ID:            sf.ID,
			TranslatedNum: uint32(i + 1),
			Name:          name,
			InvertedY:     inverted,
			Compartment:   sf.Compartment,
			GroupID:       sf.Group,
			MaskPath:      sf.Mask,
			ChannelPath:   sf.Channel,
		}
		if sf.VoxelCount > 0 {
			frag.SetVoxelCount(sf.VoxelCount)
		}
		frags[i] = frag
	}
	return frags
}
