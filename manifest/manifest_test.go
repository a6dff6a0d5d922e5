package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/marcinbor85/gohex"

	"github.com/synthread/serialflash/flash"
)

const espManifest = `{
  "name": "Example",
  "version": "1.2.0",
  "new_install_prompt_erase": true,
  "builds": [
    {
      "chipFamily": "ESP32",
      "parts": [
        { "path": "bootloader.bin", "offset": 4096 },
        { "path": "partitions.bin", "offset": 32768 },
        { "path": "app.bin", "offset": 65536 }
      ]
    }
  ]
}`

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParse(t *testing.T) {
	m, err := Parse([]byte(espManifest))
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	want := &Manifest{
		Name:    "Example",
		Version: "1.2.0",
		Builds: []Build{{
			ChipFamily: "ESP32",
			Parts: []Part{
				{Path: "bootloader.bin", Offset: 0x1000},
				{Path: "partitions.bin", Offset: 0x8000},
				{Path: "app.bin", Offset: 0x10000},
			},
		}},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("Parse() diff (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		desc string
		data string
	}{
		{desc: "not a manifest", data: "{"},
		{desc: "no builds", data: `{"name": "x", "builds": []}`},
		{desc: "part without path", data: `{"builds": [{"parts": [{"offset": 0}]}]}`},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data)); err == nil {
				t.Error("Parse() = nil error")
			}
		})
	}
}

func TestPlan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "manifest.json", []byte(espManifest))
	writeFile(t, dir, "bootloader.bin", bytes.Repeat([]byte{0xb0}, 100))
	writeFile(t, dir, "partitions.bin", bytes.Repeat([]byte{0xaa}, 10))
	writeFile(t, dir, "app.bin", bytes.Repeat([]byte{0xa0}, 9000))

	m, err := Load(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	plan, err := m.Plan(dir, 0)
	if err != nil {
		t.Fatalf("Plan() = %v", err)
	}

	want := flash.FlashPlan{
		{Name: "bootloader.bin", Offset: 0x1000, Data: bytes.Repeat([]byte{0xb0}, 100)},
		{Name: "partitions.bin", Offset: 0x8000, Data: bytes.Repeat([]byte{0xaa}, 10)},
		{Name: "app.bin", Offset: 0x10000, Data: bytes.Repeat([]byte{0xa0}, 9000)},
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Errorf("Plan() diff (-want +got):\n%s", diff)
	}

	_, err = m.Plan(dir, 1)
	if got, want := fmt.Sprint(err), "build 1 not in manifest (1 builds)"; got != want {
		t.Errorf("Plan() of a missing build = %q, want %q", got, want)
	}
}

func TestPlanIntelHex(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "manifest.yaml", []byte(`
name: stm32 app
builds:
  - chipFamily: STM32
    parts:
      - path: app.hex
        offset: 0x0
`))

	vectors := bytes.Repeat([]byte{0x11}, 64)
	code := bytes.Repeat([]byte{0x22}, 300)
	mem := gohex.NewMemory()
	if err := mem.AddBinary(0x08000000, vectors); err != nil {
		t.Fatal(err)
	}
	if err := mem.AddBinary(0x08004000, code); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := mem.DumpIntelHex(&buf, 16); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "app.hex", buf.Bytes())

	m, err := Load(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	plan, err := m.Plan(dir, 0)
	if err != nil {
		t.Fatalf("Plan() = %v", err)
	}

	want := flash.FlashPlan{
		{Name: "app.hex@0x8000000", Offset: 0x08000000, Data: vectors},
		{Name: "app.hex@0x8004000", Offset: 0x08004000, Data: code},
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Errorf("Plan() diff (-want +got):\n%s", diff)
	}
}

func TestPlanMissingPart(t *testing.T) {
	dir := t.TempDir()
	m, err := Parse([]byte(espManifest))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Plan(dir, 0); err == nil {
		t.Error("Plan() with missing files = nil error")
	}
}
