// Package variant holds the fixed table of derived images generated for every upload.
package variant

type Fit int

const (
	// FitWidth scales to Width keeping the aspect ratio and never enlarges.
	FitWidth Fit = iota
	// FitFill scales and center-crops to exactly Width x Height.
	FitFill
)

const (
	Large     = "large"
	Medium    = "medium"
	Thumbnail = "thumbnail"
)

type Spec struct {
	Name      string
	Width     int
	Height    int // 0 means derived from the aspect ratio
	Fit       Fit
	Watermark bool
}

var plan = []Spec{
	{Name: Large, Width: 1200, Fit: FitWidth, Watermark: true},
	{Name: Medium, Width: 800, Fit: FitWidth, Watermark: true},
	{Name: Thumbnail, Width: 150, Height: 150, Fit: FitFill},
}

// Plan returns a copy of the variant table, largest first.
func Plan() []Spec {
	out := make([]Spec, len(plan))
	copy(out, plan)
	return out
}

// Applies reports whether the variant should be generated for a source of the given width.
func (s Spec) Applies(srcWidth int) bool {
	if s.Fit == FitFill {
		return true
	}
	return srcWidth > s.Width
}

// Names lists the variants that apply to a source of the given width.
func Names(srcWidth int) []string {
	var names []string
	for _, s := range plan {
		if s.Applies(srcWidth) {
			names = append(names, s.Name)
		}
	}
	return names
}
