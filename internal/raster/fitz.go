package raster

import (
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// pointsPerInch is the PDF user-space unit; scale 1.0 renders at 72 DPI.
const pointsPerInch = 72.0

// FitzRenderer renders pages with MuPDF through go-fitz.
type FitzRenderer struct{}

func NewFitzRenderer() *FitzRenderer {
	return &FitzRenderer{}
}

func (FitzRenderer) Open(pdf []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, err
	}
	return &fitzDocument{doc: doc}, nil
}

type fitzDocument struct {
	doc *fitz.Document
}

func (d *fitzDocument) NumPages() int {
	return d.doc.NumPage()
}

// RenderPage takes a 1-based page number.
func (d *fitzDocument) RenderPage(pageNumber int, scale float64) (image.Image, error) {
	if pageNumber < 1 || pageNumber > d.doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range", pageNumber)
	}
	img, err := d.doc.ImageDPI(pageNumber-1, pointsPerInch*scale)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (d *fitzDocument) Close() error {
	return d.doc.Close()
}
