// Package tesseract provides a local OCR backend built on Tesseract. It is
// compiled only with the tesseract build tag because it needs cgo and the
// Tesseract development libraries.
package tesseract

import "errors"

var ErrUnavailable = errors.New("tesseract support not compiled in (build with -tags=tesseract)")
