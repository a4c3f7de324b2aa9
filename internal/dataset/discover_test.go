package dataset

import (
    "os"
    "path/filepath"
    "testing"
)

func TestDiscoverShardsBasic(t *testing.T) {
    dir := t.TempDir()
    mustWrite(t, filepath.Join(dir, "shard-000000.tar"))
    mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"))
    mustWrite(t, filepath.Join(dir, "ignore.txt"))

    shards, err := DiscoverShards(dir)
    if err != nil {
        t.Fatalf("DiscoverShards error: %v", err)
    }
    want := []string{
        filepath.Join(dir, "nested", "shard-000001.tar"),
        filepath.Join(dir, "shard-000000.tar"),
    }
    if len(shards) != len(want) {
        t.Fatalf("expected %d shards, got %d", len(want), len(shards))
    }
    for i, shard := range want {
        if shards[i] != shard {
            t.Fatalf("shard[%d]=%s want %s", i, shards[i], shard)
        }
    }
}

func TestDiscoverImagesSkipsOtherFiles(t *testing.T) {
    dir := t.TempDir()
    mustWrite(t, filepath.Join(dir, "cat_001.png"))
    mustWrite(t, filepath.Join(dir, "sub", "dog_002.JPG"))
    mustWrite(t, filepath.Join(dir, "notes.txt"))
    mustWrite(t, filepath.Join(dir, "shard-000000.tar"))

    images, err := DiscoverImages(dir)
    if err != nil {
        t.Fatalf("DiscoverImages error: %v", err)
    }
    if len(images) != 2 {
        t.Fatalf("expected 2 images, got %v", images)
    }
}

func TestClassIndex(t *testing.T) {
    idx := ClassIndex([]string{"/d/dog_1.png", "/d/cat_2.png", "/d/dog_3.png", "/d/bird.png", "/d/bird_4.png"})
    want := map[string]int{"bird": 0, "bird.png": 1, "cat": 2, "dog": 3}
    if len(idx) != len(want) {
        t.Fatalf("got %v want %v", idx, want)
    }
    for k, v := range want {
        if idx[k] != v {
            t.Fatalf("class %s = %d want %d", k, idx[k], v)
        }
    }
}

func TestClassNameWithoutUnderscore(t *testing.T) {
    cases := map[string]string{
        "/d/b.png":     "b.png",
        "/d/b_1.png":   "b",
        "/d/a_b_c.jpg": "a",
    }
    for path, want := range cases {
        if got := ClassName(path); got != want {
            t.Fatalf("ClassName(%s) = %q want %q", path, got, want)
        }
    }
}

func mustWrite(t *testing.T, path string) {
    t.Helper()
    if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
        t.Fatalf("mkdir: %v", err)
    }
    if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
        t.Fatalf("write %s: %v", path, err)
    }
}
