package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"
)

func TestEpochOrderDeterministic(t *testing.T) {
	sources := []source{{path: "a", shard: true}, {path: "b", shard: true}, {path: "c"}}
	order1 := epochOrder(sources, rand.New(rand.NewSource(7)))
	order2 := epochOrder(sources, rand.New(rand.NewSource(7)))

	if !reflect.DeepEqual(order1, order2) {
		t.Fatalf("epoch order not deterministic: %v vs %v", order1, order2)
	}
	if len(order1) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(order1))
	}
	if sources[0].path != "a" {
		t.Fatalf("epochOrder mutated its input: %v", sources)
	}
}

func TestSamplerDeterministicStream(t *testing.T) {
	temp := t.TempDir()
	shards := []string{
		filepath.Join(temp, "shard-000000.tar"),
		filepath.Join(temp, "shard-000001.tar"),
		filepath.Join(temp, "shard-000002.tar"),
	}
	mustShard(t, shards[0], map[string]int{"a0": 0})
	mustShard(t, shards[1], map[string]int{"a1": 1})
	mustShard(t, shards[2], map[string]int{"b0": 2})

	opts := SamplerOptions{
		Shards:     shards,
		Labeled:    true,
		Seed:       123,
		NumWorkers: 2,
		ImageSize:  4,
		RandomFlip: true,
	}

	samplesRun1 := collectSamples(t, opts, 6)
	opts.NumWorkers = 3
	samplesRun2 := collectSamples(t, opts, 6)

	if !reflect.DeepEqual(samplesRun1, samplesRun2) {
		t.Fatalf("sampler order not deterministic: %v vs %v", samplesRun1, samplesRun2)
	}
}

func TestSamplerReportsDecodeError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cat_0.png")
	if err := os.WriteFile(path, []byte("not a png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, errCh, err := StartSampler(ctx, SamplerOptions{Images: []string{path}, ImageSize: 4})
	if err != nil {
		t.Fatalf("StartSampler error: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a decode error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decode error")
	}
}

func TestStartSamplerRequiresSources(t *testing.T) {
	if _, _, err := StartSampler(context.Background(), SamplerOptions{ImageSize: 4}); err == nil {
		t.Fatal("expected error for empty sources")
	}
}

func collectSamples(t *testing.T, opts SamplerOptions, count int) []string {
	ctx, cancel := context.WithCancel(context.Background())
	stream, errCh, err := StartSampler(ctx, opts)
	if err != nil {
		t.Fatalf("StartSampler error: %v", err)
	}
	defer cancel()

	out := make([]string, 0, count)
	deadline := time.After(5 * time.Second)
	for len(out) < count {
		select {
		case ex, ok := <-stream:
			if !ok {
				t.Fatalf("stream closed early; collected %d samples", len(out))
			}
			if len(ex.Image) != 3*opts.ImageSize*opts.ImageSize {
				t.Fatalf("example %s has %d values", ex.Key, len(ex.Image))
			}
			out = append(out, ex.Key+":"+strconv.Itoa(ex.Label)+":"+strconv.FormatFloat(float64(ex.Image[0]), 'f', 3, 32))
		case err := <-errCh:
			if err != nil {
				t.Fatalf("sampler reported error: %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for samples")
		}
	}
	cancel()
	for err := range errCh {
		if err != nil {
			t.Fatalf("sampler emitted error after cancel: %v", err)
		}
	}
	return out
}

// mustShard writes a shard holding one gradient PNG per key.
func mustShard(t *testing.T, path string, samples map[string]int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for key, label := range samples {
		addTarPayload(t, tw, key+".png", gradientPNG(t, 8, 6))
		addTarPayload(t, tw, key+".cls", []byte(strconv.Itoa(label)))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

// gradientPNG encodes a w×h image whose red channel rises left to right.
func gradientPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 255 / (w - 1)), G: 128, B: 0, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func addTarPayload(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}
