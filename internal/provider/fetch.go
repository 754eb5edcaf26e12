package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// copyBufferSize is the chunk size for streamed transfers; the cancel
// flag is observed once per chunk.
const copyBufferSize = 256 * 1024

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// fetchToFile streams a GET response into dst, reporting every chunk to
// the tracker. The destination's parent directory is created as needed.
func fetchToFile(ctx context.Context, client *http.Client, url string, headers map[string]string, dst string, tr *Tracker) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	if resp.ContentLength > 0 {
		tr.SetTotal(resp.ContentLength)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	return copyTracked(ctx, out, resp.Body, tr)
}

// copyTracked copies src to dst in fixed chunks, feeding each chunk
// through the tracker so progress flows out and cancels flow in.
func copyTracked(ctx context.Context, dst io.Writer, src io.Reader, tr *Tracker) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write chunk: %w", err)
			}
			if err := tr.Add(ctx, n); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read chunk: %w", readErr)
		}
	}
}
