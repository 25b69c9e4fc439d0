// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package selfhosted

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
)

// HealthPath answers 200 whenever the process is serving.
const HealthPath = "/health"

// NewHandler returns the HTTP surface:
//
//	GET /health            200 "ok"
//	GET /<segment>/<path>  200 with the file as an attachment
//	GET /<segment>         404
//	anything else          404
//	non-GET/HEAD           405
//
// Only files recorded in a build's manifest are served, so the bundled
// tarball and directory listings are never reachable. Responses carry
// standard status text only.
func NewHandler(files Files, segments Segments, logger *slog.Logger) http.Handler {
	return &handler{files: files, segments: segments, logger: logger}
}

type handler struct {
	files    Files
	segments Segments
	logger   *slog.Logger
}

func (h *handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet && request.Method != http.MethodHead {
		writer.Header().Set("Allow", "GET, HEAD")
		writeStatus(writer, http.StatusMethodNotAllowed)
		return
	}

	if request.URL.Path == HealthPath {
		writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
		writer.WriteHeader(http.StatusOK)
		io.WriteString(writer, "ok")
		return
	}

	segment, relative, found := strings.Cut(strings.TrimPrefix(request.URL.Path, "/"), "/")
	if !found || relative == "" {
		writeStatus(writer, http.StatusNotFound)
		return
	}
	id, ok := h.segments.Resolve(segment)
	if !ok {
		writeStatus(writer, http.StatusNotFound)
		return
	}
	filePath, file, ok := h.files.Lookup(id, relative)
	if !ok {
		writeStatus(writer, http.StatusNotFound)
		return
	}

	content, err := os.Open(filePath)
	if err != nil {
		// Raced with a replacement or removal of the build.
		h.logger.Debug("cached file vanished", "build_id", id, "path", relative, "error", err)
		writeStatus(writer, http.StatusNotFound)
		return
	}
	defer content.Close()
	info, err := content.Stat()
	if err != nil {
		h.logger.Warn("stat on cached file failed", "build_id", id, "path", relative, "error", err)
		writeStatus(writer, http.StatusInternalServerError)
		return
	}

	leaf := path.Base(relative)
	header := writer.Header()
	header.Set("Content-Disposition", contentDisposition(leaf))
	header.Set("ETag", `"`+file.ETag()+`"`)
	header.Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(writer, request, leaf, info.ModTime(), content)
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// contentDisposition marks the response as a download named leaf.
// Printable ASCII names use the quoted form every client understands;
// anything else goes through RFC 2231 encoding.
func contentDisposition(leaf string) string {
	for _, r := range leaf {
		if r < 0x20 || r > 0x7e {
			if encoded := mime.FormatMediaType("attachment", map[string]string{"filename": leaf}); encoded != "" {
				return encoded
			}
			return "attachment"
		}
	}
	return `attachment; filename="` + quoteEscaper.Replace(leaf) + `"`
}

func writeStatus(writer http.ResponseWriter, code int) {
	http.Error(writer, http.StatusText(code), code)
}
