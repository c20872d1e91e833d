package reid

import (
	"image"

	"github.com/disintegration/gift"
	"gocv.io/x/gocv"

	"github.com/Spatial-NVR/SafeDrive/internal/detection"
)

// Histogram geometry over OpenCV's 8-bit HSV ranges
const (
	DefaultHueBins        = 30
	DefaultSaturationBins = 32

	hueRange        = 180
	saturationRange = 256
)

// Signature is a min-max normalized hue/saturation histogram of an
// object's appearance. It owns a native OpenCV buffer and must be closed.
type Signature struct {
	hist gocv.Mat
}

// ExtractSignature builds the signature of img. It returns false when the
// image is empty or cannot be converted.
func ExtractSignature(img image.Image, hueBins, satBins int) (*Signature, bool) {
	if img == nil || img.Bounds().Empty() {
		return nil, false
	}

	bgr, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, false
	}
	defer bgr.Close()
	if bgr.Empty() {
		return nil, false
	}

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(bgr, &hsv, gocv.ColorBGRToHSV)

	mask := gocv.NewMat()
	defer mask.Close()

	hist := gocv.NewMat()
	gocv.CalcHist(
		[]gocv.Mat{hsv},
		[]int{0, 1},
		mask,
		&hist,
		[]int{hueBins, satBins},
		[]float64{0, hueRange, 0, saturationRange},
		false,
	)
	gocv.Normalize(hist, &hist, 0, 1, gocv.NormMinMax)

	return &Signature{hist: hist}, true
}

// Similarity returns the correlation between two signatures in [-1, 1].
// It is symmetric and a signature compared with itself scores 1.
func (s *Signature) Similarity(other *Signature) float64 {
	if s == nil || other == nil {
		return -1
	}
	return float64(gocv.CompareHist(s.hist, other.hist, gocv.HistCmpCorrel))
}

// Close releases the native histogram
func (s *Signature) Close() {
	if s != nil {
		_ = s.hist.Close()
	}
}

// Crop extracts the part of frame covered by box, clipped to the frame
// bounds. It returns nil when nothing of the box lies inside the frame.
func Crop(frame image.Image, box detection.BoundingBox) image.Image {
	if frame == nil {
		return nil
	}
	bounds := frame.Bounds()
	rect := box.Rect().Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil
	}

	g := gift.New(gift.Crop(rect))
	dst := image.NewRGBA(g.Bounds(bounds))
	g.Draw(dst, frame)
	return dst
}
