// Package audio implements C6: authorization-checked, byte-range-capable
// streaming of the audio file backing a task.
package audio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/leasestore"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/upstream"
	"github.com/ramiqadoumi/audio-task-dispatch/pkg/telemetry"
)

// Streamer is the C6 Audio Streamer.
type Streamer struct {
	leases    leasestore.Store
	upstream  upstream.Client
	mediaRoot string
}

// New wires the lease store (for per-request authorization) and the
// upstream client (for the file_name backing a task_id) into a Streamer.
// mediaRoot is the filesystem directory audio files are served from.
func New(leases leasestore.Store, up upstream.Client, mediaRoot string) *Streamer {
	return &Streamer{leases: leases, upstream: up, mediaRoot: mediaRoot}
}

// Stream writes the audio bytes for taskID to w, honoring rangeHeader (the
// raw Range header value, empty if absent). Authorization is re-checked on
// every call: the caller must be the current lease holder.
func (s *Streamer) Stream(ctx context.Context, w http.ResponseWriter, taskID, agentID int64, rangeHeader string) (err error) {
	status := "error"
	defer func() {
		telemetry.StreamRequestsTotal.WithLabelValues(status).Inc()
	}()

	lease, err := s.leases.InspectLease(ctx, taskID)
	if err != nil {
		return err
	}
	if lease == nil || lease.AgentID != agentID {
		status = "403"
		return &domain.ForbiddenError{Reason: "no active lease held by this agent"}
	}

	meta, err := s.upstream.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	path, err := s.resolvePath(meta.FileName)
	if err != nil {
		status = "403"
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			status = "404"
			return &domain.NotFoundError{Resource: "audio file", ID: meta.FileName}
		}
		return &domain.InternalError{Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &domain.InternalError{Err: err}
	}
	size := info.Size()
	contentType := mimeFor(meta.FileName)

	if rangeHeader == "" {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		n, copyErr := io.Copy(w, f)
		telemetry.StreamBytesServedTotal.Add(float64(n))
		if copyErr != nil {
			return copyErr
		}
		status = "200"
		return nil
	}

	start, end, err := parseRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		status = "416"
		return &domain.RangeNotSatisfiableError{Size: size}
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return &domain.InternalError{Err: err}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusPartialContent)
	n, copyErr := io.CopyN(w, f, end-start+1)
	telemetry.StreamBytesServedTotal.Add(float64(n))
	if copyErr != nil {
		return copyErr
	}
	status = "206"
	return nil
}

// resolvePath joins fileName onto mediaRoot and rejects any result that
// escapes the root after normalization (path traversal guard).
func (s *Streamer) resolvePath(fileName string) (string, error) {
	root, err := filepath.Abs(s.mediaRoot)
	if err != nil {
		return "", &domain.InternalError{Err: err}
	}
	joined := filepath.Join(root, fileName)
	clean := filepath.Clean(joined)
	if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return "", &domain.ForbiddenError{Reason: "file_name escapes the media root"}
	}
	return clean, nil
}

// parseRange parses a single-range "bytes=a-b" header against size. Missing
// b means "to end". Multi-range requests and anything unsatisfiable are
// rejected with an error; the caller maps that to 416.
func parseRange(header string, size int64) (start, end int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, fmt.Errorf("unsupported range unit in %q", header)
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("multi-range requests are not supported")
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed range %q", header)
	}

	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed range start in %q: %w", header, err)
	}

	if parts[1] == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed range end in %q: %w", header, err)
		}
	}

	if start >= size || start > end {
		return 0, 0, fmt.Errorf("range %q not satisfiable for size %d", header, size)
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

func mimeFor(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
