package flash

import (
	"os"

	"github.com/pkg/errors"
)

// FirmwareImage is one binary to be written at Offset on the device
type FirmwareImage struct {
	Name   string
	Offset uint32
	Data   []byte
}

func (img FirmwareImage) Size() int {
	return len(img.Data)
}

// ImageFromFile will read the file at filePath into an image placed at addr
func ImageFromFile(filePath string, addr uint32) (FirmwareImage, error) {
	bs, err := os.ReadFile(filePath)
	if err != nil {
		return FirmwareImage{}, err
	}
	return FirmwareImage{Name: filePath, Offset: addr, Data: bs}, nil
}

// FlashPlan is the ordered list of images to flash, first to last. Overlap
// between images is not checked.
type FlashPlan []FirmwareImage

// Validate reports an error for an empty plan or an image without data
func (p FlashPlan) Validate() error {
	if len(p) == 0 {
		return ErrEmptyPlan
	}
	for i, img := range p {
		if img.Size() == 0 {
			return errors.Wrapf(ErrEmptyImage, "image %d (%s)", i, img.Name)
		}
	}
	return nil
}

// TotalSize is the sum of the sizes of every image in the plan
func (p FlashPlan) TotalSize() int {
	total := 0
	for _, img := range p {
		total += img.Size()
	}
	return total
}
