package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxLineSize = 4 << 20

var streamContentTypes = map[string]bool{
	"application/x-ndjson":    true,
	"application/jsonl":       true,
	"application/stream+json": true,
}

// HTTPRunner calls POST {base}/scan and decodes either a single JSON
// document or a line-delimited event stream depending on Content-Type.
type HTTPRunner struct {
	client *http.Client
}

// NewHTTPRunner takes a client without an overall timeout; streaming scans
// may legitimately run for a long time and are bounded by ctx instead.
func NewHTTPRunner(client *http.Client) *HTTPRunner {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRunner{client: client}
}

type scanRequest struct {
	Path string `json:"path"`
}

func (r *HTTPRunner) Run(ctx context.Context, req Request, handle Handler) (err error) {
	tracer := otel.Tracer("scanner-adapter")
	ctx, span := tracer.Start(ctx, "RunScanner")
	span.SetAttributes(attribute.String("scanner", req.Scanner.ID), attribute.String("folder", req.Folder))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := json.Marshal(scanRequest{Path: req.Folder})
	if err != nil {
		return err
	}
	url := req.Scanner.BaseURL + "/scan"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrScannerUnreachable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		slog.Error("scanner request failed", "scanner", req.Scanner.ID, "url", url, "error", err)
		return fmt.Errorf("%w: %v", pkgerrors.ErrScannerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("scanner returned non-success status", "scanner", req.Scanner.ID, "status", resp.StatusCode, "body", string(snippet))
		return fmt.Errorf("%w: status %s", pkgerrors.ErrScannerBadResponse, resp.Status)
	}

	norm := NormalizerFor(req.Scanner.Dialect)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if streamContentTypes[strings.ToLower(mediaType)] {
		return r.readStream(ctx, resp.Body, norm, req.Scanner.ID, handle)
	}
	return r.readSingle(ctx, resp.Body, norm, req.Scanner.ID, handle)
}

func (r *HTTPRunner) readSingle(ctx context.Context, body io.Reader, norm Normalizer, scannerID string, handle Handler) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrScannerUnreachable, err)
	}
	ev, err := decodeEvent(raw, norm, scannerID)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrScannerBadResponse, err)
	}
	if strings.EqualFold(ev.Status, "failed") || strings.EqualFold(ev.Status, "error") {
		return fmt.Errorf("%w: scanner reported %s: %s", pkgerrors.ErrScannerBadResponse, ev.Status, ev.Message)
	}
	ev.Final = true
	return handle(ctx, ev)
}

// readStream applies every well-formed line in order. Malformed lines are
// skipped; a read error mid-stream fails the run.
func (r *HTTPRunner) readStream(ctx context.Context, body io.Reader, norm Normalizer, scannerID string, handle Handler) error {
	return replayLines(ctx, newLineSource(body), norm, scannerID, handle)
}

type lineSource interface {
	Next() ([]byte, error)
}

type scannerSource struct {
	sc *bufio.Scanner
}

func newLineSource(r io.Reader) *scannerSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &scannerSource{sc: sc}
}

func (s *scannerSource) Next() ([]byte, error) {
	if s.sc.Scan() {
		return s.sc.Bytes(), nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func replayLines(ctx context.Context, src lineSource, norm Normalizer, scannerID string, handle Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: stream interrupted: %v", pkgerrors.ErrScannerBadResponse, err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		ev, err := decodeEvent(line, norm, scannerID)
		if err != nil {
			slog.Warn("skipping malformed scanner event", "scanner", scannerID, "line", string(line), "error", err)
			continue
		}
		if strings.EqualFold(ev.Status, "failed") || strings.EqualFold(ev.Status, "error") {
			return fmt.Errorf("%w: scanner reported %s: %s", pkgerrors.ErrScannerBadResponse, ev.Status, ev.Message)
		}
		if err := handle(ctx, ev); err != nil {
			return err
		}
	}
}
