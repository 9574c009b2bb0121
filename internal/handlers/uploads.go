package handlers

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	_ "golang.org/x/image/webp"
)

const (
	maxUploadFiles   = 10
	maxUploadPerFile = 5 << 20
)

var allowedImageFormats = map[string]bool{"jpeg": true, "png": true, "gif": true, "webp": true}

type uploadError struct{ msg string }

func (e *uploadError) Error() string { return e.msg }

func isMultipart(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data")
}

// parseMultipart parses the form with room for the maximum number of maximum-size files.
func parseMultipart(r *http.Request) error {
	if err := r.ParseMultipartForm(maxUploadFiles*maxUploadPerFile + 1<<20); err != nil {
		return &uploadError{msg: err.Error()}
	}
	return nil
}

// readImages returns the "images" files of a parsed multipart form as base64 strings, in upload order.
func readImages(r *http.Request) ([]string, error) {
	if r.MultipartForm == nil || r.MultipartForm.File == nil {
		return []string{}, nil
	}
	files := r.MultipartForm.File["images"]
	if len(files) > maxUploadFiles {
		return nil, &uploadError{msg: fmt.Sprintf("too many files (max %d)", maxUploadFiles)}
	}
	out := make([]string, 0, len(files))
	for _, fh := range files {
		if fh == nil {
			continue
		}
		b, err := readUpload(fh)
		if err != nil {
			return nil, err
		}
		out = append(out, base64.StdEncoding.EncodeToString(b))
	}
	return out, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, &uploadError{msg: err.Error()}
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, maxUploadPerFile+1))
	if err != nil {
		return nil, &uploadError{msg: err.Error()}
	}
	if len(b) > maxUploadPerFile {
		return nil, &uploadError{msg: fmt.Sprintf("file %s too large (max 5MB per file)", fh.Filename)}
	}
	if err := checkImage(b); err != nil {
		return nil, &uploadError{msg: fmt.Sprintf("%s: %v", fh.Filename, err)}
	}
	return b, nil
}

// checkImage sniffs the header rather than trusting the declared content type.
func checkImage(b []byte) error {
	_, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil || !allowedImageFormats[format] {
		return fmt.Errorf("invalid file type, only JPEG, PNG, GIF and WEBP files are allowed")
	}
	return nil
}
