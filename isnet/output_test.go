package isnet

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/getcharzp/go-dis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/up-zero/gotool/imageutil"
)

func TestOutputName(t *testing.T) {
	cases := []struct {
		source, output, want string
	}{
		{"assets/dog.jpg", "", "dog_dis.jpg"},
		{"/tmp/Puppies.JPEG", "", "Puppies_dis.JPEG"},
		{"photo.png", "", "photo_dis.png"},
		{"noext", "", "noext_dis.png"},
		{"scan.webp", "", "scan_dis.png"},
		{"a.jpg", "result", "result.png"},
		{"a.jpg", "result.jpg", "result.jpg"},
		{"a.jpg", "mask.PNG", "mask.PNG"},
		{"a.jpg", "result.bmp", "result.bmp.png"},
		{"a.jpg", "outjpeg", "outjpeg"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, OutputName(c.source, c.output), "%s / %s", c.source, c.output)
	}
}

func TestCutoutName(t *testing.T) {
	assert.Equal(t, "dog_dis_cutout.png", CutoutName("dog_dis.jpg"))
}

func TestCutout(t *testing.T) {
	img := image.NewRGBA(image.Rect(10, 10, 12, 11))
	img.Set(10, 10, color.RGBA{R: 200, A: 255})
	img.Set(11, 10, color.RGBA{G: 100, A: 255})
	mask := image.NewGray(image.Rect(0, 0, 2, 1))
	mask.Pix = []uint8{255, 0}

	cut, err := Cutout(img, mask)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 200, A: 255}, cut.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{G: 100, A: 0}, cut.NRGBAAt(1, 0))

	_, err = Cutout(img, image.NewGray(image.Rect(0, 0, 3, 3)))
	assert.True(t, errors.Is(err, dis.ErrInvalidInputShape))
}

func TestFromImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(5, 5, 7, 6))
	img.Set(5, 5, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	img.Set(6, 5, color.RGBA{R: 4, G: 5, B: 6, A: 255})

	buf := FromImage(img)
	assert.Equal(t, []int{1, 2, 3}, buf.Shape)
	assert.Equal(t, []uint8{1, 2, 3, 4, 5, 6}, buf.Pix)
	assert.Equal(t, 1, buf.Height())
	assert.Equal(t, 2, buf.Width())

	gray := image.NewGray(image.Rect(0, 0, 1, 1))
	gray.Pix[0] = 77
	assert.Equal(t, []uint8{77, 77, 77}, FromImage(gray).Pix)
}

func TestSaveUpperCaseExtension(t *testing.T) {
	dir := t.TempDir()
	mask := image.NewGray(image.Rect(0, 0, 4, 3))
	for _, name := range []string{"IMG_0001_dis.JPG", "mask.PNG", "scan.JpEg"} {
		path := filepath.Join(dir, name)
		require.NoError(t, Save(path, mask), name)

		img, err := imageutil.Open(path)
		require.NoError(t, err, name)
		assert.Equal(t, mask.Rect, img.Bounds(), name)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestSaveFailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	err := Save(filepath.Join(dir, "mask.gif"), image.NewGray(image.Rect(0, 0, 2, 2)))
	assert.True(t, errors.Is(err, dis.ErrWriteOutput))
	assert.Equal(t, dis.KindEnvironment, dis.KindOf(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
