package dataset

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Conditioning keys carried in Batch.Cond.
const (
	KeyImage128    = "image_128"
	KeyImageEmbeds = "image_embeds"
	KeyLabels      = "y"
)

// CondSize is the side of the tokenizer input image.
const CondSize = 128

// Batch is one training batch. Images is [B,3,S,S] float32 in [-1,1]. Cond
// maps conditioning names to tensors whose leading dimension is B.
type Batch struct {
	Images *tensors.Tensor
	Cond   map[string]*tensors.Tensor
}

// Size returns the leading dimension of Images, or 0 for an empty batch.
func (b Batch) Size() int {
	if b.Images == nil {
		return 0
	}
	dims := b.Images.Shape().Dimensions
	if len(dims) == 0 {
		return 0
	}
	return dims[0]
}

// stack assembles examples into a Batch. Cond images are stacked under
// KeyImage128 when present, labels under KeyLabels when labeled is set.
func stack(examples []Example, imageSize, condSize int, labeled bool) Batch {
	n := len(examples)
	imgLen := 3 * imageSize * imageSize
	images := make([]float32, 0, n*imgLen)
	for _, ex := range examples {
		images = append(images, ex.Image...)
	}
	batch := Batch{
		Images: tensors.FromFlatDataAndDimensions(images, n, 3, imageSize, imageSize),
		Cond:   map[string]*tensors.Tensor{},
	}
	if condSize > 0 {
		cond := make([]float32, 0, n*3*condSize*condSize)
		for _, ex := range examples {
			cond = append(cond, ex.Cond...)
		}
		batch.Cond[KeyImage128] = tensors.FromFlatDataAndDimensions(cond, n, 3, condSize, condSize)
	}
	if labeled {
		labels := make([]int32, n)
		for i, ex := range examples {
			labels[i] = int32(ex.Label)
		}
		batch.Cond[KeyLabels] = tensors.FromFlatDataAndDimensions(labels, n)
	}
	return batch
}
