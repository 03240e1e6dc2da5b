package raster

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDoc struct {
	pages  int
	fail   map[int]error
	block  chan struct{}
	closed bool
}

func (d *fakeDoc) NumPages() int { return d.pages }

func (d *fakeDoc) RenderPage(n int, scale float64) (image.Image, error) {
	if d.block != nil && n > 1 {
		<-d.block
	}
	if err, ok := d.fail[n]; ok {
		return nil, err
	}
	size := int(10 * scale)
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	img.Set(0, 0, color.RGBA{R: uint8(n), A: 255})
	return img, nil
}

func (d *fakeDoc) Close() error {
	d.closed = true
	return nil
}

type fakeRenderer struct {
	doc *fakeDoc
	err error
}

func (r fakeRenderer) Open([]byte) (Document, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.doc, nil
}

func TestStream_PageOrderAndFailureIsolation(t *testing.T) {
	doc := &fakeDoc{pages: 3, fail: map[int]error{3: errors.New("bad xref")}}
	r := New(fakeRenderer{doc: doc}, Options{Scale: 1.5, BatchSize: 2}, nil)

	batches, err := r.Stream(context.Background(), []byte("%PDF"))
	require.NoError(t, err)

	var got []Batch
	for b := range batches {
		got = append(got, b)
	}

	require.Len(t, got, 2)
	assert.False(t, got[0].Done)
	assert.Equal(t, 2, got[0].Processed)
	assert.True(t, got[1].Done)
	assert.Equal(t, 3, got[1].Total)

	var pages []PageImage
	for _, b := range got {
		pages = append(pages, b.Pages...)
	}
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Equal(t, i+1, p.PageNumber)
	}
	assert.True(t, pages[0].Converted())
	assert.Equal(t, "image/png", pages[0].MIMEType)
	assert.Equal(t, 15, pages[0].Width)
	assert.True(t, pages[1].Converted())
	assert.False(t, pages[2].Converted())
	assert.Empty(t, pages[2].Data)
	assert.Contains(t, pages[2].ConversionError, "page 3")
	assert.True(t, doc.closed)
}

func TestStream_JPEG(t *testing.T) {
	doc := &fakeDoc{pages: 1}
	r := New(fakeRenderer{doc: doc}, Options{Format: "jpeg"}, nil)

	batches, err := r.Stream(context.Background(), []byte("%PDF"))
	require.NoError(t, err)
	pages, err := Collect(context.Background(), batches)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "image/jpeg", pages[0].MIMEType)
	assert.Contains(t, pages[0].DataURL(), "data:image/jpeg;base64,")
}

func TestStream_OpenErrors(t *testing.T) {
	_, err := New(fakeRenderer{err: errors.New("not a pdf")}, Options{}, nil).Stream(context.Background(), []byte("x"))
	assert.ErrorContains(t, err, "not a pdf")

	_, err = New(fakeRenderer{doc: &fakeDoc{}}, Options{}, nil).Stream(context.Background(), []byte("x"))
	assert.ErrorContains(t, err, "no pages")

	_, err = New(fakeRenderer{doc: &fakeDoc{pages: 1}}, Options{}, nil).Stream(context.Background(), nil)
	assert.Error(t, err)
}

func TestStream_Cancel(t *testing.T) {
	doc := &fakeDoc{pages: 5, block: make(chan struct{})}
	r := New(fakeRenderer{doc: doc}, Options{BatchSize: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	batches, err := r.Stream(ctx, []byte("%PDF"))
	require.NoError(t, err)

	first := <-batches
	require.Len(t, first.Pages, 1)
	assert.Equal(t, 1, first.Pages[0].PageNumber)

	cancel()
	close(doc.block)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-batches:
			if !ok {
				return
			}
			assert.False(t, b.Done, "no completion after cancel")
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestCollect_Incomplete(t *testing.T) {
	ch := make(chan Batch, 1)
	ch <- Batch{Pages: []PageImage{{PageNumber: 1}}}
	close(ch)

	pages, err := Collect(context.Background(), ch)
	assert.Error(t, err)
	assert.Len(t, pages, 1)
}
