// Package tokenizer holds frozen, encoder-only image tokenizers.
//
// A tokenizer is a read-only handle: weights are loaded once from a
// checkpoint, validated against an allow list of parameter groups and never
// exposed. Only inference methods exist, so nothing can update the weights
// after load; RequiresGrad always reports false and Fingerprint lets callers
// verify the weights are unchanged.
//
// The encoders are deliberately small. An image is cut into non-overlapping
// square patches and each patch is projected with the frozen weights, which
// keeps the input/output contract of the full networks (indices over a
// codebook, or a spatial latent grid) without reproducing their layers.
package tokenizer

import (
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrBadInput reports an image batch the tokenizer cannot encode.
var ErrBadInput = errors.New("tokenizer: bad input")

// imageDims validates a [B,C,H,W] batch and returns its dimensions.
func imageDims(images *tensors.Tensor, channels, patch int) (b, c, h, w int, err error) {
	if images == nil {
		return 0, 0, 0, 0, errors.Wrap(ErrBadInput, "nil image tensor")
	}
	dims := images.Shape().Dimensions
	if len(dims) != 4 {
		return 0, 0, 0, 0, errors.Wrapf(ErrBadInput, "want [B,C,H,W], got shape %v", dims)
	}
	b, c, h, w = dims[0], dims[1], dims[2], dims[3]
	if c != channels {
		return 0, 0, 0, 0, errors.Wrapf(ErrBadInput, "want %d channels, got %d", channels, c)
	}
	if h%patch != 0 || w%patch != 0 {
		return 0, 0, 0, 0, errors.Wrapf(ErrBadInput, "image %dx%d is not divisible by patch %d", h, w, patch)
	}
	return b, c, h, w, nil
}

// patchify cuts an NCHW batch into p×p patches. Row (b*gh+gy)*gw+gx holds
// patch (gy, gx) of image b, flattened as (channel, py, px). When scale and
// shift are set, value*scale[c]+shift[c] is applied per channel.
func patchify(flat []float32, b, c, h, w, p int, scale, shift []float64) *mat.Dense {
	gh, gw := h/p, w/p
	cols := c * p * p
	data := make([]float64, b*gh*gw*cols)
	for bi := 0; bi < b; bi++ {
		for gy := 0; gy < gh; gy++ {
			for gx := 0; gx < gw; gx++ {
				row := ((bi*gh+gy)*gw + gx) * cols
				for ci := 0; ci < c; ci++ {
					for py := 0; py < p; py++ {
						src := ((bi*c+ci)*h+gy*p+py)*w + gx*p
						dst := row + (ci*p+py)*p
						for px := 0; px < p; px++ {
							v := float64(flat[src+px])
							if scale != nil {
								v = v*scale[ci] + shift[ci]
							}
							data[dst+px] = v
						}
					}
				}
			}
		}
	}
	return mat.NewDense(b*gh*gw, cols, data)
}

// project computes x·weight + bias.
func project(x, weight *mat.Dense, bias []float64) *mat.Dense {
	var out mat.Dense
	out.Mul(x, weight)
	rows, cols := out.Dims()
	raw := out.RawMatrix()
	for r := 0; r < rows; r++ {
		row := raw.Data[r*raw.Stride : r*raw.Stride+cols]
		for c := range row {
			row[c] += bias[c]
		}
	}
	return &out
}

// argmaxRows returns the column of the largest value of every row. Ties go
// to the lowest column.
func argmaxRows(m *mat.Dense) []int32 {
	rows, cols := m.Dims()
	out := make([]int32, rows)
	for r := 0; r < rows; r++ {
		best, bestV := 0, math.Inf(-1)
		for c := 0; c < cols; c++ {
			if v := m.At(r, c); v > bestV {
				best, bestV = c, v
			}
		}
		out[r] = int32(best)
	}
	return out
}

// lookup gathers rows of table by index, as float32.
func lookup(table *mat.Dense, indices []int32) ([]float32, error) {
	rows, dim := table.Dims()
	out := make([]float32, 0, len(indices)*dim)
	for _, idx := range indices {
		if idx < 0 || int(idx) >= rows {
			return nil, errors.Wrapf(ErrBadInput, "codebook index %d out of range [0, %d)", idx, rows)
		}
		for _, v := range table.RawRowView(int(idx)) {
			out = append(out, float32(v))
		}
	}
	return out, nil
}

// matrix converts a [rows, cols] parameter to a gonum matrix.
func matrix(params map[string]*tensors.Tensor, name string, rows, cols int) (*mat.Dense, error) {
	t, ok := params[name]
	if !ok {
		return nil, errors.Errorf("missing parameter %s", name)
	}
	dims := t.Shape().Dimensions
	if len(dims) != 2 || dims[0] != rows || dims[1] != cols {
		return nil, errors.Errorf("parameter %s: want shape [%d %d], got %v", name, rows, cols, dims)
	}
	return mat.NewDense(rows, cols, toFloat64(tensors.MustCopyFlatData[float32](t))), nil
}

// vector converts a [n] parameter.
func vector(params map[string]*tensors.Tensor, name string, n int) ([]float64, error) {
	t, ok := params[name]
	if !ok {
		return nil, errors.Errorf("missing parameter %s", name)
	}
	dims := t.Shape().Dimensions
	if len(dims) != 1 || dims[0] != n {
		return nil, errors.Errorf("parameter %s: want shape [%d], got %v", name, n, dims)
	}
	return toFloat64(tensors.MustCopyFlatData[float32](t)), nil
}

func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

// fingerprint hashes named weights in name order.
func fingerprint(named map[string][]float64) uint64 {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)
	d := xxhash.New()
	buf := make([]byte, 8)
	for _, name := range names {
		d.WriteString(name)
		for _, v := range named[name] {
			bits := math.Float64bits(v)
			for i := 0; i < 8; i++ {
				buf[i] = byte(bits >> (8 * i))
			}
			d.Write(buf)
		}
	}
	return d.Sum64()
}
