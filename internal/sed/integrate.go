package sed

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/interp"
)

// Window integrates flux between Min and Max.
type Window struct {
	ID       string
	Min, Max float64
}

// Passband is a transmission curve.
type Passband struct {
	Wavelength   []float64
	Transmission []float64
}

// IntegrateWindow integrates the spectrum over [lo, hi]. Endpoints that fall
// inside the data are linearly interpolated.
func IntegrateWindow(x, y []float64, lo, hi float64) (float64, error) {
	if err := checkLengths(x, y, nil); err != nil {
		return 0, err
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	fx, fy := FilterNaN(x, y)
	if len(fx) < 2 {
		return 0, errTooFewPoints
	}
	sx, sy := dedupe(sortedPairs(fx, fy))
	var pl interp.PiecewiseLinear
	if err := pl.Fit(sx, sy); err != nil {
		return 0, err
	}

	var wx, wy []float64
	if lo > sx[0] && lo < sx[len(sx)-1] {
		wx, wy = append(wx, lo), append(wy, pl.Predict(lo))
	}
	for i, v := range sx {
		if v >= lo && v <= hi {
			wx, wy = append(wx, v), append(wy, sy[i])
		}
	}
	if hi < sx[len(sx)-1] && hi > sx[0] {
		wx, wy = append(wx, hi), append(wy, pl.Predict(hi))
	}
	wx, wy = dedupe(wx, wy)
	if len(wx) < 2 {
		return 0, fmt.Errorf("window [%g, %g] does not overlap the spectrum", lo, hi)
	}
	return integrate.Trapezoidal(wx, wy), nil
}

// Flux returns the transmission-weighted mean flux ∫fT dλ / ∫T dλ over the
// passband grid.
func (pb Passband) Flux(x, y []float64) (float64, error) {
	if len(pb.Wavelength) < 2 || len(pb.Wavelength) != len(pb.Transmission) {
		return 0, fmt.Errorf("passband needs at least two wavelength/transmission rows")
	}
	fx, fy := FilterNaN(x, y)
	if len(fx) < 2 {
		return 0, errTooFewPoints
	}
	sx, sy := dedupe(sortedPairs(fx, fy))
	var pl interp.PiecewiseLinear
	if err := pl.Fit(sx, sy); err != nil {
		return 0, err
	}

	wl, tr := sortedPairs(pb.Wavelength, pb.Transmission)
	weighted := make([]float64, len(wl))
	for i, w := range wl {
		if w < sx[0] || w > sx[len(sx)-1] {
			continue
		}
		weighted[i] = pl.Predict(w) * tr[i]
	}
	norm := integrate.Trapezoidal(wl, tr)
	if norm == 0 {
		return 0, fmt.Errorf("passband transmission integrates to zero")
	}
	return integrate.Trapezoidal(wl, weighted) / norm, nil
}

// LoadPassband reads a two-column whitespace-separated transmission file.
// Blank lines and lines starting with '#' are skipped.
func LoadPassband(path string) (Passband, error) {
	f, err := os.Open(path)
	if err != nil {
		return Passband{}, fmt.Errorf("open passband: %w", err)
	}
	defer f.Close()
	pb, err := ReadPassband(f)
	if err != nil {
		return Passband{}, fmt.Errorf("%s: %w", path, err)
	}
	return pb, nil
}

// ReadPassband parses a transmission curve from r.
func ReadPassband(r io.Reader) (Passband, error) {
	var pb Passband
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		cols := strings.Fields(text)
		if len(cols) < 2 {
			return Passband{}, fmt.Errorf("line %d: want two columns", line)
		}
		w, err := strconv.ParseFloat(cols[0], 64)
		if err != nil {
			return Passband{}, fmt.Errorf("line %d: %w", line, err)
		}
		t, err := strconv.ParseFloat(cols[1], 64)
		if err != nil {
			return Passband{}, fmt.Errorf("line %d: %w", line, err)
		}
		pb.Wavelength = append(pb.Wavelength, w)
		pb.Transmission = append(pb.Transmission, t)
	}
	if err := sc.Err(); err != nil {
		return Passband{}, err
	}
	if len(pb.Wavelength) < 2 {
		return Passband{}, fmt.Errorf("passband needs at least two rows")
	}
	return pb, nil
}
