// Package viz draws the block tiling of a kmem heap.
//
// The picture has one row per level, the root at the top. A handed-out or
// free block is painted on its own row across its address span; the rows
// above it show the split blocks it descends from. A strip at the bottom
// repeats the leaves at full height so small blocks stay visible.
package viz

import (
	"fmt"
	"image"
	"image/color"
	"io"

	gg "github.com/fogleman/gg"

	"mazarin/kmem"
)

var (
	Background = color.RGBA{0xff, 0xff, 0xff, 0xff}
	Split      = color.RGBA{0xbd, 0xbd, 0xbd, 0xff}
	Free       = color.RGBA{0x4c, 0xaf, 0x50, 0xff}
	Allocated  = color.RGBA{0xe5, 0x39, 0x35, 0xff}
	Label      = color.RGBA{0x21, 0x21, 0x21, 0xff}
)

// Options controls the image geometry.
type Options struct {
	Width     int // total width in pixels, labels included
	RowHeight int
}

// LabelWidth is the left margin reserved for level labels.
const LabelWidth = 40

func (o Options) withDefaults() Options {
	if o.Width <= LabelWidth {
		o.Width = 1024
	}
	if o.RowHeight <= 0 {
		o.RowHeight = 16
	}
	return o
}

// Layout maps heap offsets and levels to pixel positions.
type Layout struct {
	opt      Options
	cfg      kmem.Config
	min, max int
}

func NewLayout(cfg kmem.Config, opt Options) Layout {
	return Layout{opt: opt.withDefaults(), cfg: cfg, min: cfg.MinLevel, max: cfg.MaxLevel}
}

// Size is the image size in pixels.
func (l Layout) Size() (int, int) {
	rows := l.max - l.min + 1
	return l.opt.Width, (rows + 2) * l.opt.RowHeight
}

// X returns the horizontal pixel position of a heap address.
func (l Layout) X(addr uintptr) float64 {
	frac := float64(addr-l.cfg.Base) / float64(l.cfg.Size())
	return LabelWidth + frac*float64(l.opt.Width-LabelWidth)
}

// RowY returns the top of a level's row.
func (l Layout) RowY(level int) float64 {
	return float64((l.max - level) * l.opt.RowHeight)
}

// StripY returns the top of the summary strip.
func (l Layout) StripY() float64 {
	return float64((l.max - l.min + 1) * l.opt.RowHeight)
}

func (l Layout) span(b kmem.Block) (x, w float64) {
	x = l.X(b.Addr)
	return x, l.X(b.Addr+b.Size()) - x
}

// Draw renders the heap into a new gg context.
func Draw(h *kmem.Heap, opt Options) *gg.Context {
	l := NewLayout(h.Config(), opt)
	width, height := l.Size()
	dc := gg.NewContext(width, height)
	dc.SetColor(Background)
	dc.Clear()

	rh := float64(l.opt.RowHeight)
	h.Walk(func(b kmem.Block) {
		x, w := l.span(b)

		dc.SetColor(Split)
		for level := l.max; level > b.Level; level-- {
			dc.DrawRectangle(x, l.RowY(level), w, rh)
		}
		dc.Fill()

		c := Allocated
		if b.State == kmem.BlockFree {
			c = Free
		}
		dc.SetColor(c)
		dc.DrawRectangle(x, l.RowY(b.Level), w, rh)
		dc.DrawRectangle(x, l.StripY(), w, 2*rh)
		dc.Fill()
	})

	dc.SetColor(Label)
	for level := l.max; level >= l.min; level-- {
		dc.DrawStringAnchored(fmt.Sprintf("%d", level), 4, l.RowY(level)+rh/2, 0, 0.5)
	}
	dc.DrawStringAnchored("all", 4, l.StripY()+rh, 0, 0.5)
	return dc
}

// Render returns the heap picture as an image.
func Render(h *kmem.Heap, opt Options) image.Image {
	return Draw(h, opt).Image()
}

// EncodePNG writes the heap picture to w.
func EncodePNG(w io.Writer, h *kmem.Heap, opt Options) error {
	return Draw(h, opt).EncodePNG(w)
}

// SavePNG writes the heap picture to path.
func SavePNG(path string, h *kmem.Heap, opt Options) error {
	return Draw(h, opt).SavePNG(path)
}
