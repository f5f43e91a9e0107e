package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/sherpa-gw/internal/codec"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
	"github.com/mattjoyce/sherpa-gw/internal/sed"
)

// transform runs a payload transform. The payload is a deep copy of params
// with '-' in keys replaced by '_'; fn edits it in place and it becomes the
// reply. An undecodable array is MalformedPayload; any other failure is
// SEDException.
func (r *Router) transform(req *request, fn func(payload map[string]any) (map[string]any, error)) Result {
	req.state("executing")
	out, err := fn(normalizeKeys(req.msg.Params))
	if err != nil {
		req.state("failed_execution")
		if errors.Is(err, codec.ErrMalformedPayload) {
			return Fail(protocol.KindMalformed, err.Error())
		}
		return Fail(protocol.KindSED, err.Error())
	}
	req.state("completed")
	return OK(out)
}

func (r *Router) redshift(_ context.Context, req *request) Result {
	return r.transform(req, redshiftPayload)
}

func (r *Router) interpolate(_ context.Context, req *request) Result {
	return r.transform(req, interpolatePayload)
}

func (r *Router) integrate(_ context.Context, req *request) Result {
	return r.transform(req, r.integratePayload)
}

func (r *Router) stackNormalize(_ context.Context, req *request) Result {
	return r.transform(req, normalizePayload)
}

func (r *Router) stackRedshift(_ context.Context, req *request) Result {
	return r.transform(req, stackRedshiftPayload)
}

func (r *Router) stackStack(_ context.Context, req *request) Result {
	return r.transform(req, stackPayload)
}

func normalizeKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ReplaceAll(k, "-", "_")] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeKeys(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	}
	return v
}

func decodeRequired(m map[string]any, key string) ([]float64, error) {
	if _, ok := m[key]; !ok {
		return nil, fmt.Errorf("missing %q", key)
	}
	return codec.DecodeField(m, key)
}

func flag(m map[string]any, key string) bool {
	raw, ok := m[key]
	if !ok || raw == nil {
		return false
	}
	b, err := toBool(raw)
	return err == nil && b
}

func redshiftPayload(p map[string]any) (map[string]any, error) {
	x, err := decodeRequired(p, "x")
	if err != nil {
		return nil, err
	}
	y, err := decodeRequired(p, "y")
	if err != nil {
		return nil, err
	}
	yerr, err := codec.DecodeField(p, "yerr")
	if err != nil {
		return nil, err
	}
	from, err := floatField(p, "from_redshift")
	if err != nil {
		return nil, err
	}
	to, err := floatField(p, "to_redshift")
	if err != nil {
		return nil, err
	}
	nx, ny, nyerr, err := sed.Redshift(x, y, yerr, from, to)
	if err != nil {
		return nil, err
	}
	p["x"], p["y"], p["yerr"] = codec.Encode(nx), codec.Encode(ny), codec.Encode(nyerr)
	return p, nil
}

func interpolatePayload(p map[string]any) (map[string]any, error) {
	x, err := decodeRequired(p, "x")
	if err != nil {
		return nil, err
	}
	y, err := decodeRequired(p, "y")
	if err != nil {
		return nil, err
	}
	name, err := stringField(p, "method")
	if err != nil {
		return nil, err
	}
	method, err := sed.ParseMethod(name)
	if err != nil {
		return nil, err
	}
	g := sed.Grid{Log: flag(p, "log")}
	if g.Min, err = floatField(p, "x_min"); err != nil {
		return nil, err
	}
	if g.Max, err = floatField(p, "x_max"); err != nil {
		return nil, err
	}
	bins, err := floatField(p, "n_bins")
	if err != nil {
		return nil, err
	}
	g.Bins = int(bins)

	nx, ny, err := sed.Interpolate(x, y, method, g)
	if err != nil {
		return nil, err
	}
	filtered := false
	if flag(p, "smooth") {
		box, err := floatField(p, "box_size")
		if err != nil {
			return nil, err
		}
		nx, ny = sed.FilterNaN(nx, ny)
		filtered = true
		if ny, err = sed.Smooth(ny, int(box)); err != nil {
			return nil, err
		}
	}
	if flag(p, "normalize") {
		if !filtered {
			nx, ny = sed.FilterNaN(nx, ny)
		}
		if ny, err = sed.Normalise(nx, ny); err != nil {
			return nil, err
		}
	}
	p["x"], p["y"] = codec.Encode(nx), codec.Encode(ny)
	return p, nil
}

func (r *Router) integratePayload(p map[string]any) (map[string]any, error) {
	x, err := decodeRequired(p, "x")
	if err != nil {
		return nil, err
	}
	y, err := decodeRequired(p, "y")
	if err != nil {
		return nil, err
	}
	curves, err := optionalObjectList(p, "curves")
	if err != nil {
		return nil, err
	}
	windows, err := optionalObjectList(p, "windows")
	if err != nil {
		return nil, err
	}

	points := make([]any, 0, len(curves)+len(windows))
	for _, c := range curves {
		file, err := stringField(c, "file_name")
		if err != nil {
			return nil, fmt.Errorf("curve: %w", err)
		}
		if !filepath.IsAbs(file) && r.opts.PassbandDir != "" {
			file = filepath.Join(r.opts.PassbandDir, file)
		}
		pb, err := sed.LoadPassband(file)
		if err != nil {
			return nil, err
		}
		flux, err := pb.Flux(x, y)
		if err != nil {
			return nil, fmt.Errorf("curve %v: %w", c["id"], err)
		}
		points = append(points, map[string]any{
			"id":         c["id"],
			"wavelength": c["eff_wave"],
			"flux":       protocol.FormatFloat(flux),
		})
	}
	for _, w := range windows {
		lo, err := floatField(w, "min")
		if err != nil {
			return nil, fmt.Errorf("window: %w", err)
		}
		hi, err := floatField(w, "max")
		if err != nil {
			return nil, fmt.Errorf("window: %w", err)
		}
		flux, err := sed.IntegrateWindow(x, y, lo, hi)
		if err != nil {
			return nil, fmt.Errorf("window %v: %w", w["id"], err)
		}
		points = append(points, map[string]any{
			"id":         w["id"],
			"wavelength": protocol.FormatFloat((lo + hi) / 2),
			"flux":       protocol.FormatFloat(flux),
		})
	}
	return map[string]any{"points": points}, nil
}

// segments decodes payload["segments"]. withZ reads each segment's z; a
// missing or unparsable z is NaN.
func segments(p map[string]any, withZ bool) ([]map[string]any, []*sed.Segment, error) {
	raw, err := objectList(p, "segments")
	if err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("no segments supplied")
	}
	segs := make([]*sed.Segment, 0, len(raw))
	for i, m := range raw {
		s := &sed.Segment{Z: math.NaN()}
		if s.X, err = decodeRequired(m, "x"); err != nil {
			return nil, nil, fmt.Errorf("segment %d: %w", i, err)
		}
		if s.Y, err = decodeRequired(m, "y"); err != nil {
			return nil, nil, fmt.Errorf("segment %d: %w", i, err)
		}
		if s.Yerr, err = codec.DecodeField(m, "yerr"); err != nil {
			return nil, nil, fmt.Errorf("segment %d: %w", i, err)
		}
		if id, ok := m["id"]; ok && id != nil {
			s.ID = fmt.Sprint(id)
		}
		if withZ {
			if z, ok, err := optionalFloat(m, "z"); err == nil && ok {
				s.Z = z
			}
		}
		segs = append(segs, s)
	}
	return raw, segs, nil
}

func writeSegment(m map[string]any, s *sed.Segment) {
	m["x"], m["y"], m["yerr"] = codec.Encode(s.X), codec.Encode(s.Y), codec.Encode(s.Yerr)
}

func excludedList(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// boundOrLimit parses an xmin/xmax value; the literals "min" and "max"
// select the stack's extent.
func boundOrLimit(p map[string]any, key string, limit float64) (float64, error) {
	if s, ok := p[key].(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "min", "max":
			return limit, nil
		}
	}
	return floatField(p, key)
}

func normalizePayload(p map[string]any) (map[string]any, error) {
	raw, segs, err := segments(p, false)
	if err != nil {
		return nil, err
	}
	o := sed.NormalizeOptions{Integrate: flag(p, "integrate")}
	op, err := stringField(p, "norm_operator")
	if err != nil {
		return nil, err
	}
	switch strings.TrimSpace(op) {
	case "0":
		o.Operator = sed.Multiply
	case "1":
		o.Operator = sed.Add
	default:
		return nil, fmt.Errorf("unknown norm_operator %q", op)
	}
	stats, err := stringField(p, "stats")
	if err != nil {
		return nil, err
	}
	o.Stats = sed.Statistic(strings.ToLower(strings.TrimSpace(stats)))
	if o.Stats == sed.StatValue {
		if o.Y0, err = floatField(p, "y0"); err != nil {
			return nil, err
		}
	}
	if o.Integrate {
		if o.XMin, err = boundOrLimit(p, "xmin", math.Inf(-1)); err != nil {
			return nil, err
		}
		if o.XMax, err = boundOrLimit(p, "xmax", math.Inf(1)); err != nil {
			return nil, err
		}
	} else if o.X0, err = floatField(p, "x0"); err != nil {
		return nil, err
	}

	excluded, err := sed.Normalize(segs, o)
	if err != nil {
		return nil, err
	}
	for i, s := range segs {
		writeSegment(raw[i], s)
		raw[i]["norm_constant"] = protocol.FormatFloat(s.NormConstant)
	}
	p["excludeds"] = excludedList(excluded)
	return p, nil
}

func stackRedshiftPayload(p map[string]any) (map[string]any, error) {
	raw, segs, err := segments(p, true)
	if err != nil {
		return nil, err
	}
	z0, err := floatField(p, "z0")
	if err != nil {
		return nil, err
	}
	excluded, err := sed.RedshiftStack(segs, z0, flag(p, "correct_flux"))
	if err != nil {
		return nil, err
	}
	for i, s := range segs {
		writeSegment(raw[i], s)
	}
	p["excludeds"] = excludedList(excluded)
	return p, nil
}

func stackPayload(p map[string]any) (map[string]any, error) {
	raw, segs, err := segments(p, false)
	if err != nil {
		return nil, err
	}
	o := sed.CombineOptions{
		Smooth: flag(p, "smooth"),
		LogBin: flag(p, "log_bin"),
	}
	if o.BinSize, err = floatField(p, "binsize"); err != nil {
		return nil, err
	}
	stat, err := stringField(p, "statistic")
	if err != nil {
		return nil, err
	}
	o.Statistic = sed.Statistic(strings.ToLower(strings.TrimSpace(stat)))
	if o.Smooth {
		sb, err := floatField(p, "smooth_binsize")
		if err != nil {
			return nil, err
		}
		o.SmoothBinSize = int(sb)
	}
	res, err := sed.Combine(segs, o)
	if err != nil {
		return nil, err
	}
	first := raw[0]
	writeSegment(first, res)
	first["counts"] = codec.Encode(res.Counts)
	p["segments"] = []any{first}
	return p, nil
}
