package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// Options shapes the denoiser.
type Options struct {
	ImageSize int
	// InChannels of x_t; the output has the same count, doubled when
	// LearnSigma is set.
	InChannels int
	LearnSigma bool
	// Hidden is the width of the per-pixel hidden layer.
	Hidden int
	// EmbInputDim is the channel count of image_embeds; 0 disables the
	// embedding input. EmbOutputDim > 0 adds a learned projection to that
	// width before the embedding joins the features.
	EmbInputDim  int
	EmbOutputDim int
	// NumClasses > 0 adds a class embedding table.
	NumClasses int
	// TimeDim is the size of the sinusoidal timestep features.
	TimeDim int
	Dropout float64
	// UseFP16 rounds weights and activations through float16 in the
	// forward pass.
	UseFP16 bool
}

// Denoiser predicts the regression target of every pixel from the pixel's
// noisy value, the nearest latent embedding vector, the timestep features
// and the class embedding, through one hidden SiLU layer.
type Denoiser struct {
	opts   Options
	params []Param
	total  int
	embOut int
	feat   int
	out    int
}

// NewDenoiser validates opts and lays out the parameter vector.
func NewDenoiser(opts Options) (*Denoiser, error) {
	if opts.ImageSize <= 0 || opts.InChannels <= 0 || opts.Hidden <= 0 {
		return nil, errors.Errorf("model: image size, channels and hidden width must be > 0, got %+v", opts)
	}
	if opts.TimeDim <= 0 || opts.TimeDim%2 != 0 {
		return nil, errors.Errorf("model: time dim must be a positive even number, got %d", opts.TimeDim)
	}
	if opts.Dropout < 0 || opts.Dropout >= 1 {
		return nil, errors.Errorf("model: dropout must be in [0,1), got %v", opts.Dropout)
	}
	d := &Denoiser{opts: opts}
	d.embOut = opts.EmbInputDim
	if opts.EmbInputDim > 0 && opts.EmbOutputDim > 0 {
		d.embOut = opts.EmbOutputDim
	}
	d.feat = opts.InChannels + d.embOut + opts.TimeDim
	d.out = opts.InChannels
	if opts.LearnSigma {
		d.out *= 2
	}

	add := func(name string, dims ...int) {
		p := Param{Name: name, Dims: dims, Offset: d.total}
		d.params = append(d.params, p)
		d.total += p.Size()
	}
	if opts.EmbInputDim > 0 && opts.EmbOutputDim > 0 {
		add("emb_proj.weight", opts.EmbInputDim, opts.EmbOutputDim)
		add("emb_proj.bias", opts.EmbOutputDim)
	}
	if opts.NumClasses > 0 {
		add("label_emb.weight", opts.NumClasses, opts.TimeDim)
	}
	add("in.weight", d.feat, opts.Hidden)
	add("in.bias", opts.Hidden)
	add("out.weight", opts.Hidden, d.out)
	add("out.bias", d.out)
	return d, nil
}

// NumParams implements Model.
func (d *Denoiser) NumParams() int { return d.total }

// Names implements Model.
func (d *Denoiser) Names() []Param { return append([]Param(nil), d.params...) }

// Options returns the shape options.
func (d *Denoiser) Options() Options { return d.opts }

func (d *Denoiser) param(name string) (Param, bool) {
	for _, p := range d.params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// InitParams implements Model: weights uniform in ±1/sqrt(fan_in), biases
// zero. The output layer starts at zero so the first prediction is 0.
func (d *Denoiser) InitParams(seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	params := make([]float64, d.total)
	for _, p := range d.params {
		if len(p.Dims) != 2 || p.Name == "out.weight" {
			continue
		}
		bound := 1 / math.Sqrt(float64(p.Dims[0]))
		if p.Name == "label_emb.weight" {
			bound = 1
		}
		for i := p.Offset; i < p.Offset+p.Size(); i++ {
			params[i] = (rng.Float64()*2 - 1) * bound
		}
	}
	return params
}

// view returns the matrix of a 2D parameter sharing params' storage.
func (d *Denoiser) view(params []float64, name string) *mat.Dense {
	p, _ := d.param(name)
	return mat.NewDense(p.Dims[0], p.Dims[1], params[p.Offset:p.Offset+p.Size()])
}

func (d *Denoiser) vec(params []float64, name string) []float64 {
	p, _ := d.param(name)
	return params[p.Offset : p.Offset+p.Size()]
}

func (d *Denoiser) validate(params []float64, b Batch) error {
	if len(params) != d.total {
		return errors.Errorf("model: %d params, want %d", len(params), d.total)
	}
	s, c := d.opts.ImageSize, d.opts.InChannels
	if b.Size <= 0 || len(b.XT) != b.Size*c*s*s || len(b.Target) != len(b.XT) {
		return errors.Errorf("model: batch of %d with %d inputs and %d targets, want %d each", b.Size, len(b.XT), len(b.Target), b.Size*c*s*s)
	}
	if len(b.Timesteps) != b.Size || len(b.Weights) != b.Size {
		return errors.Errorf("model: %d timesteps and %d weights for batch of %d", len(b.Timesteps), len(b.Weights), b.Size)
	}
	if d.opts.EmbInputDim > 0 {
		gh, gw := b.EmbGrid[0], b.EmbGrid[1]
		if gh <= 0 || gw <= 0 || len(b.Embeds) != b.Size*d.opts.EmbInputDim*gh*gw {
			return errors.Errorf("model: embeds of %d values on grid %v, want [%d,%d,h,w]", len(b.Embeds), b.EmbGrid, b.Size, d.opts.EmbInputDim)
		}
	}
	if d.opts.NumClasses > 0 {
		if len(b.Labels) != b.Size {
			return errors.Errorf("model: %d labels for batch of %d", len(b.Labels), b.Size)
		}
		for _, y := range b.Labels {
			if y < 0 || int(y) >= d.opts.NumClasses {
				return errors.Errorf("model: label %d outside [0,%d)", y, d.opts.NumClasses)
			}
		}
	}
	return nil
}

// LossAndGrad implements Model.
func (d *Denoiser) LossAndGrad(params []float64, b Batch, scale float64, rng *rand.Rand) ([]float64, []float64, error) {
	if err := d.validate(params, b); err != nil {
		return nil, nil, err
	}
	fwd := params
	if d.opts.UseFP16 {
		fwd = roundHalf64(params)
	}

	s, c := d.opts.ImageSize, d.opts.InChannels
	pixels := s * s
	rows := b.Size * pixels

	// Embeddings: per grid cell, optionally projected.
	var embRows *mat.Dense // [b*gh*gw, embOut]
	var embIn *mat.Dense   // [b*gh*gw, EmbInputDim]
	gh, gw := b.EmbGrid[0], b.EmbGrid[1]
	if d.opts.EmbInputDim > 0 {
		embIn = gridRows(b.Embeds, b.Size, d.opts.EmbInputDim, gh*gw)
		embRows = embIn
		if d.opts.EmbOutputDim > 0 {
			embRows = &mat.Dense{}
			embRows.Mul(embIn, d.view(fwd, "emb_proj.weight"))
			addBias(embRows, d.vec(fwd, "emb_proj.bias"))
		}
	}

	// Timestep features plus class embedding, per sample.
	temb := make([][]float64, b.Size)
	for i := range temb {
		temb[i] = timestepFeatures(b.Timesteps[i], d.opts.TimeDim)
		if d.opts.NumClasses > 0 {
			row := d.view(fwd, "label_emb.weight").RawRowView(int(b.Labels[i]))
			for k := range temb[i] {
				temb[i][k] += row[k]
			}
		}
	}

	// Feature matrix, one row per pixel: x_t channels, embedding, time.
	feat := mat.NewDense(rows, d.feat, nil)
	cellOf := make([]int, rows)
	for bi := 0; bi < b.Size; bi++ {
		for y := 0; y < s; y++ {
			for x := 0; x < s; x++ {
				r := bi*pixels + y*s + x
				f := feat.RawRowView(r)
				for ci := 0; ci < c; ci++ {
					f[ci] = float64(b.XT[(bi*c+ci)*pixels+y*s+x])
				}
				if embRows != nil {
					cell := bi*gh*gw + (y*gh/s)*gw + x*gw/s
					cellOf[r] = cell
					copy(f[c:c+d.embOut], embRows.RawRowView(cell))
				}
				copy(f[c+d.embOut:], temb[bi])
			}
		}
	}
	if d.opts.UseFP16 {
		roundHalfInPlace(feat.RawMatrix().Data)
	}

	// Hidden layer.
	pre := &mat.Dense{}
	pre.Mul(feat, d.view(fwd, "in.weight"))
	addBias(pre, d.vec(fwd, "in.bias"))
	hidden := mat.DenseCopyOf(pre)
	hd := hidden.RawMatrix().Data
	for i, v := range hd {
		hd[i] = silu(v)
	}
	var keep []float64
	if d.opts.Dropout > 0 && rng != nil {
		keep = make([]float64, len(hd))
		inv := 1 / (1 - d.opts.Dropout)
		for i := range hd {
			if rng.Float64() >= d.opts.Dropout {
				keep[i] = inv
			}
			hd[i] *= keep[i]
		}
	}

	out := &mat.Dense{}
	out.Mul(hidden, d.view(fwd, "out.weight"))
	addBias(out, d.vec(fwd, "out.bias"))

	// Loss over the first c output channels; variance channels carry no
	// regression target.
	losses := make([]float64, b.Size)
	dOut := mat.NewDense(rows, d.out, nil)
	perSample := float64(c * pixels)
	for bi := 0; bi < b.Size; bi++ {
		coef := 2 * b.Weights[bi] * scale / (perSample * float64(b.Size))
		for p := 0; p < pixels; p++ {
			r := bi*pixels + p
			o := out.RawRowView(r)
			g := dOut.RawRowView(r)
			for ci := 0; ci < c; ci++ {
				diff := o[ci] - float64(b.Target[(bi*c+ci)*pixels+p])
				losses[bi] += diff * diff
				g[ci] = coef * diff
			}
		}
		losses[bi] /= perSample
	}

	// Backward.
	grad := make([]float64, d.total)
	gOutW := d.view(grad, "out.weight")
	gOutW.Mul(hidden.T(), dOut)
	colSums(dOut, d.vec(grad, "out.bias"))

	dHidden := &mat.Dense{}
	dHidden.Mul(dOut, d.view(fwd, "out.weight").T())
	dh := dHidden.RawMatrix().Data
	pd := pre.RawMatrix().Data
	for i := range dh {
		if keep != nil {
			dh[i] *= keep[i]
		}
		dh[i] *= siluGrad(pd[i])
	}
	gInW := d.view(grad, "in.weight")
	gInW.Mul(feat.T(), dHidden)
	colSums(dHidden, d.vec(grad, "in.bias"))

	if d.opts.NumClasses > 0 || (d.opts.EmbInputDim > 0 && d.opts.EmbOutputDim > 0) {
		dFeat := &mat.Dense{}
		dFeat.Mul(dHidden, d.view(fwd, "in.weight").T())
		if d.opts.NumClasses > 0 {
			gLabel := d.view(grad, "label_emb.weight")
			for r := 0; r < rows; r++ {
				dst := gLabel.RawRowView(int(b.Labels[r/pixels]))
				src := dFeat.RawRowView(r)[c+d.embOut:]
				for k := range dst {
					dst[k] += src[k]
				}
			}
		}
		if d.opts.EmbInputDim > 0 && d.opts.EmbOutputDim > 0 {
			dEmb := mat.NewDense(b.Size*gh*gw, d.embOut, nil)
			for r := 0; r < rows; r++ {
				dst := dEmb.RawRowView(cellOf[r])
				src := dFeat.RawRowView(r)[c : c+d.embOut]
				for k := range dst {
					dst[k] += src[k]
				}
			}
			gProj := d.view(grad, "emb_proj.weight")
			gProj.Mul(embIn.T(), dEmb)
			colSums(dEmb, d.vec(grad, "emb_proj.bias"))
		}
	}
	return losses, grad, nil
}

// gridRows turns a [b,dim,cells] tensor into a [b*cells, dim] matrix.
func gridRows(flat []float32, b, dim, cells int) *mat.Dense {
	m := mat.NewDense(b*cells, dim, nil)
	for bi := 0; bi < b; bi++ {
		for k := 0; k < dim; k++ {
			for cell := 0; cell < cells; cell++ {
				m.Set(bi*cells+cell, k, float64(flat[(bi*dim+k)*cells+cell]))
			}
		}
	}
	return m
}

func addBias(m *mat.Dense, bias []float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
}

func colSums(m *mat.Dense, dst []float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for j, v := range m.RawRowView(i) {
			dst[j] += v
		}
	}
}

// timestepFeatures embeds t as sine and cosine waves at geometrically
// spaced frequencies from 1 down to 1/10000.
func timestepFeatures(t float64, dim int) []float64 {
	half := dim / 2
	out := make([]float64, dim)
	for i := 0; i < half; i++ {
		freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
		out[i] = math.Cos(t * freq)
		out[half+i] = math.Sin(t * freq)
	}
	return out
}

func silu(x float64) float64 { return x / (1 + math.Exp(-x)) }

func siluGrad(x float64) float64 {
	s := 1 / (1 + math.Exp(-x))
	return s * (1 + x*(1-s))
}

// RoundHalf rounds v to the nearest float16 value.
func RoundHalf(v float64) float64 {
	return float64(float16.Fromfloat32(float32(v)).Float32())
}

func roundHalf64(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = RoundHalf(v)
	}
	return out
}

func roundHalfInPlace(v []float64) {
	for i := range v {
		v[i] = RoundHalf(v[i])
	}
}
