package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mfrisbey/rqtree/internal/overlaytypes"
)

// listResponse is the JSON body of a directory listing response.
type listResponse struct {
	Entries []wireEntry `json:"entries"`
}

// wireEntry is the JSON representation of one remote file/directory,
// grounded on the teacher's internal/graph normalize.go decode-then-
// normalize pipeline for remote item metadata.
type wireEntry struct {
	Name         string `json:"name"`
	IsDirectory  bool   `json:"isDirectory"`
	Size         int64  `json:"size"`
	Created      string `json:"created"`
	LastModified string `json:"lastModified"`
}

func (w wireEntry) toFileEntry(parent string) overlaytypes.FileEntry {
	created, _ := time.Parse(time.RFC3339, w.Created)
	lastMod, _ := time.Parse(time.RFC3339, w.LastModified)

	return overlaytypes.FileEntry{
		Path:         pathJoin(parent, w.Name),
		IsDirectory:  w.IsDirectory,
		Size:         w.Size,
		Created:      created,
		LastModified: lastMod,
		LastChanged:  lastMod,
		LastAccessed: lastMod,
		Origin:       overlaytypes.RemoteOnly,
	}
}

func pathJoin(parent, name string) string {
	if parent == "/" || parent == "" {
		return "/" + name
	}

	return parent + "/" + name
}

// List fetches the children of parent from the remote asset repository.
func (c *Client) List(ctx context.Context, parent string) ([]overlaytypes.FileEntry, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/assets?path="+url.QueryEscape(parent), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decoding list response: %v", overlaytypes.ErrParse, err)
	}

	out := make([]overlaytypes.FileEntry, 0, len(body.Entries))
	for _, e := range body.Entries {
		out = append(out, e.toFileEntry(parent))
	}

	return out, nil
}

// remoteHandle adapts an *http.Response body to overlaytypes.Handle.
type remoteHandle struct {
	io.ReadCloser
	size         int64
	lastModified time.Time
}

func (h *remoteHandle) Size() int64              { return h.size }
func (h *remoteHandle) LastModified() time.Time  { return h.lastModified }

// Open streams the content of path from the remote asset repository.
func (c *Client) Open(ctx context.Context, path string) (overlaytypes.Handle, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/assets/content?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, err
	}

	size := resp.ContentLength

	lastModified := time.Time{}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := time.Parse(http.TimeFormat, lm); err == nil {
			lastModified = t
		}
	}

	return &remoteHandle{ReadCloser: resp.Body, size: size, lastModified: lastModified}, nil
}

// CreateDirectory creates a directory at path on the remote repository.
func (c *Client) CreateDirectory(ctx context.Context, path string) error {
	payload, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return fmt.Errorf("%w: encoding create-directory request: %v", overlaytypes.ErrParse, err)
	}

	resp, err := c.Do(ctx, http.MethodPost, "/assets/mkdir", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

// Delete removes path (file or directory, recursively) on the remote
// repository.
func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.Do(ctx, http.MethodDelete, "/assets?path="+url.QueryEscape(path), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

// Rename moves oldPath to newPath, grounded on SPEC_FULL.md §6's WebDAV-
// style MOVE headers (X-Destination, X-Depth: infinity, X-Overwrite: F).
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	headers := http.Header{}
	headers.Set("X-Destination", newPath)
	headers.Set("X-Depth", "infinity")
	headers.Set("X-Overwrite", "F")

	resp, err := c.DoWithHeaders(ctx, "MOVE", "/assets?path="+url.QueryEscape(oldPath), nil, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

// PostAsset uploads content to path in fixed-size chunks via the
// createasset endpoint's multipart form fields (SPEC_FULL.md §6):
// _charset_, file@Offset, chunk@Length, file@Length, file@Completed, file.
// method distinguishes POST (create) from PUT (replace). fromOffset skips
// ahead into r before the first chunk, resuming a previously paused upload
// (§4.6) rather than restarting it from the beginning.
func (c *Client) PostAsset(ctx context.Context, path string, method overlaytypes.Method, r io.ReaderAt, size, chunkSize, fromOffset int64, onChunk func(read, total int64)) error {
	httpMethod := http.MethodPost
	if method == overlaytypes.MethodPut {
		httpMethod = http.MethodPut
	}

	offset := fromOffset

	for offset < size || size == 0 {
		chunkLen := chunkSize
		if offset+chunkLen > size {
			chunkLen = size - offset
		}

		buf := make([]byte, chunkLen)

		n, readErr := r.ReadAt(buf, offset)
		if readErr != nil && readErr != io.EOF {
			return fmt.Errorf("%w: reading chunk at offset %d: %v", overlaytypes.ErrParse, offset, readErr)
		}

		completed := offset+int64(n) >= size

		if err := c.postChunk(ctx, path, httpMethod, buf[:n], offset, size, completed); err != nil {
			return err
		}

		offset += int64(n)

		if onChunk != nil {
			onChunk(offset, size)
		}

		if completed || size == 0 {
			break
		}
	}

	return nil
}

func (c *Client) postChunk(ctx context.Context, path, httpMethod string, chunk []byte, offset, total int64, completed bool) error {
	var buf bytes.Buffer

	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"_charset_":      "utf-8",
		"file@Offset":    strconv.FormatInt(offset, 10),
		"chunk@Length":   strconv.Itoa(len(chunk)),
		"file@Length":    strconv.FormatInt(total, 10),
		"file@Completed": strconv.FormatBool(completed),
	}

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("%w: writing multipart field %s: %v", overlaytypes.ErrParse, k, err)
		}
	}

	part, err := w.CreateFormFile("file", "chunk")
	if err != nil {
		return fmt.Errorf("%w: creating multipart part: %v", overlaytypes.ErrParse, err)
	}

	if _, err := part.Write(chunk); err != nil {
		return fmt.Errorf("%w: writing multipart chunk: %v", overlaytypes.ErrParse, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: closing multipart writer: %v", overlaytypes.ErrParse, err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", w.FormDataContentType())

	resp, err := c.DoWithHeaders(ctx, httpMethod, "/assets/createasset?path="+url.QueryEscape(path), &buf, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}
