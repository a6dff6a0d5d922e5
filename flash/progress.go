package flash

const StatusComplete = "Flashing complete!"

// StatusFlashing is the status label reported while an image is written
func StatusFlashing(name string) string {
	return "Flashing " + name
}

// ProgressReport describes how far a flash operation has got. Percent never
// decreases during one operation and is 100 only once every image is written.
type ProgressReport struct {
	Percent float64
	Status  string

	// Image is empty on the final report
	Image      string
	BytesDone  int
	BytesTotal int
}

// ProgressFunc receives progress reports synchronously, so it should return
// quickly
type ProgressFunc func(ProgressReport)

// ProgressChannel adapts a channel to a ProgressFunc. Sends block, so the
// reader must keep up or the channel be buffered.
func ProgressChannel(ch chan<- ProgressReport) ProgressFunc {
	return func(r ProgressReport) {
		ch <- r
	}
}

// progressTracker turns per-image fractions into one overall percentage
type progressTracker struct {
	total  int
	before int
	last   float64
	emit   ProgressFunc
}

func newProgressTracker(total int, emit ProgressFunc) *progressTracker {
	if emit == nil {
		emit = func(ProgressReport) {}
	}
	return &progressTracker{total: total, emit: emit}
}

// image returns the callback for the next image in the plan
func (p *progressTracker) image(img FirmwareImage) func(float64) {
	before := p.before
	size := img.Size()

	return func(f float64) {
		f = clamp(f, 0, 1)
		done := float64(before) + float64(size)*f
		pct := clamp(100*done/float64(p.total), p.last, 100)
		p.last = pct

		p.emit(ProgressReport{
			Percent:    pct,
			Status:     StatusFlashing(img.Name),
			Image:      img.Name,
			BytesDone:  before + int(float64(size)*f),
			BytesTotal: p.total,
		})
	}
}

// done records that img was written completely
func (p *progressTracker) done(img FirmwareImage) {
	p.before += img.Size()
}

func (p *progressTracker) complete() {
	p.last = 100
	p.emit(ProgressReport{
		Percent:    100,
		Status:     StatusComplete,
		BytesDone:  p.total,
		BytesTotal: p.total,
	})
}
