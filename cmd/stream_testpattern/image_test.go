package main

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

func TestLoadReferenceImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 6, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	dir := t.TempDir()

	for name, encode := range map[string]func(*os.File) error{
		"ref.bmp":  func(f *os.File) error { return bmp.Encode(f, img) },
		"ref.tiff": func(f *os.File) error { return tiff.Encode(f, img, nil) },
	} {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, encode(f), test.ShouldBeNil)
		test.That(t, f.Close(), test.ShouldBeNil)

		loaded, err := loadReferenceImage(path, golog.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, loaded.Bounds(), test.ShouldResemble, img.Bounds())
		r, _, _, _ := loaded.At(1, 1).RGBA()
		test.That(t, r>>8, test.ShouldEqual, 200)
	}

	path := filepath.Join(dir, "ref.txt")
	test.That(t, os.WriteFile(path, []byte("not an image"), 0o600), test.ShouldBeNil)
	_, err := loadReferenceImage(path, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = loadReferenceImage(filepath.Join(dir, "missing.png"), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
