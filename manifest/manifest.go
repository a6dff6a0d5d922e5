// Package manifest resolves a firmware manifest into a flash.FlashPlan.
//
// A manifest lists builds, each an ordered set of parts written at a byte
// offset:
//
//	{
//	  "name": "Example",
//	  "version": "1.2.0",
//	  "builds": [{
//	    "chipFamily": "ESP32",
//	    "parts": [
//	      {"path": "bootloader.bin", "offset": 4096},
//	      {"path": "app.bin", "offset": 65536}
//	    ]
//	  }]
//	}
//
// JSON and YAML manifests are both accepted. Parts ending in .hex are read as
// Intel HEX and yield one image per contiguous data segment, placed at the
// segment address plus the part offset.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/synthread/serialflash/flash"
)

type Part struct {
	Path   string `yaml:"path"`
	Offset uint32 `yaml:"offset"`
}

type Build struct {
	ChipFamily string `yaml:"chipFamily"`
	Parts      []Part `yaml:"parts"`
}

type Manifest struct {
	Name    string  `yaml:"name"`
	Version string  `yaml:"version"`
	Builds  []Build `yaml:"builds"`
}

// Parse decodes a JSON or YAML manifest
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "could not parse manifest")
	}
	if len(m.Builds) == 0 {
		return nil, errors.New("manifest has no builds")
	}
	for i, b := range m.Builds {
		for j, p := range b.Parts {
			if p.Path == "" {
				return nil, errors.Errorf("build %d part %d has no path", i, j)
			}
		}
	}
	return m, nil
}

// Load reads and parses the manifest at path
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Plan reads the parts of the selected build from dir, in manifest order
func (m *Manifest) Plan(dir string, build int) (flash.FlashPlan, error) {
	if build < 0 || build >= len(m.Builds) {
		return nil, errors.Errorf("build %d not in manifest (%d builds)", build, len(m.Builds))
	}

	var plan flash.FlashPlan
	for _, p := range m.Builds[build].Parts {
		imgs, err := loadPart(dir, p)
		if err != nil {
			return nil, errors.Wrapf(err, "could not load %s", p.Path)
		}
		plan = append(plan, imgs...)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	logrus.Debugf("plan %s %s: %d images, %d bytes", m.Name, m.Version, len(plan), plan.TotalSize())

	return plan, nil
}

func loadPart(dir string, p Part) ([]flash.FirmwareImage, error) {
	path := p.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	if !strings.EqualFold(filepath.Ext(path), ".hex") {
		img, err := flash.ImageFromFile(path, p.Offset)
		if err != nil {
			return nil, err
		}
		img.Name = p.Path
		return []flash.FirmwareImage{img}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(err, "could not parse intel hex")
	}

	segs := mem.GetDataSegments()
	imgs := make([]flash.FirmwareImage, 0, len(segs))
	for _, s := range segs {
		name := p.Path
		if len(segs) > 1 {
			name = fmt.Sprintf("%s@%#x", p.Path, s.Address)
		}
		imgs = append(imgs, flash.FirmwareImage{
			Name:   name,
			Offset: p.Offset + s.Address,
			Data:   s.Data,
		})
	}
	return imgs, nil
}
