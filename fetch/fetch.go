// Package fetch downloads a URL in resumable segments, in the manner of a
// multi-connection download accelerator. Partial output is kept as
// <name>.part<lo>-<hi> files so an interrupted run picks up where it
// stopped.
package fetch

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrTransfer means a transfer request failed or answered with a bad status.
var ErrTransfer = errors.New("transfer failed")

const (
	DefaultSegments = 4
	DefaultMinSplit = 1 << 20 // 1 MiB
)

// Fetcher holds the transfer tuning knobs.
type Fetcher struct {
	// Segments is how many pieces a large body is split into.
	Segments int
	// MaxPerHost caps simultaneous connections to the target host.
	MaxPerHost int
	// MinSplit is the smallest piece worth a dedicated connection.
	MinSplit int64
	Client   *http.Client
}

// New returns a Fetcher; out-of-range arguments fall back to defaults.
// There is no total timeout on transfers, they run to completion or failure.
func New(segments, maxPerHost int, minSplit int64) *Fetcher {
	if segments < 1 {
		segments = DefaultSegments
	}
	if maxPerHost < 1 {
		maxPerHost = segments
	}
	if minSplit < 1 {
		minSplit = DefaultMinSplit
	}
	return &Fetcher{
		Segments:   segments,
		MaxPerHost: maxPerHost,
		MinSplit:   minSplit,
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxConnsPerHost: maxPerHost,
			},
		},
	}
}

// Fetch downloads url to destDir/destName. Complete destinations are left
// alone, partial ones are resumed.
func (f *Fetcher) Fetch(url, destDir, destName string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	dest := filepath.Join(destDir, destName)
	size, ranged, err := f.probe(url)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(dest); err == nil && size > 0 && fi.Size() == size {
		log.Debugf("%s already complete", destName)
		return nil
	}
	n := f.pieces(size, ranged)
	if n == 1 {
		return f.single(url, dest, size, ranged)
	}
	return f.segmented(url, dest, size, n)
}

// probe asks the server for the body size and range support.
func (f *Fetcher) probe(url string) (int64, bool, error) {
	resp, err := f.Client.Head(url)
	if err != nil {
		return 0, false, fmt.Errorf("%w: probe: %v", ErrTransfer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false, fmt.Errorf("%w: probe: %s", ErrTransfer, resp.Status)
	}
	return resp.ContentLength, resp.Header.Get("Accept-Ranges") == "bytes", nil
}

func (f *Fetcher) pieces(size int64, ranged bool) int {
	if !ranged || size <= 0 {
		return 1
	}
	n := int(size / f.MinSplit)
	if n < 1 {
		n = 1
	}
	if n > f.Segments {
		n = f.Segments
	}
	return n
}

// single streams the whole body into one part file, resuming from its
// current size when the server honors ranges.
func (f *Fetcher) single(url, dest string, size int64, ranged bool) error {
	part := dest + ".part"
	var have int64
	if fi, err := os.Stat(part); err == nil && ranged {
		have = fi.Size()
	}
	if size > 0 && have > size {
		// longer than the body, cannot be trusted
		have = 0
	}
	if size > 0 && have == size {
		// a previous run fetched everything but died before the rename
		if err := os.Rename(part, dest); err != nil {
			return err
		}
		return cleanupParts(dest)
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	want := http.StatusOK
	if have > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", have))
		want = http.StatusPartialContent
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return fmt.Errorf("%w: %s", ErrTransfer, resp.Status)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if have > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	out, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(part, dest); err != nil {
		return err
	}
	return cleanupParts(dest)
}

// segmented fetches n byte ranges concurrently and reassembles them.
func (f *Fetcher) segmented(url, dest string, size int64, n int) error {
	start := time.Now()
	per := size / int64(n)
	bounds := make([][2]int64, n)
	for i := 0; i < n; i++ {
		lo := int64(i) * per
		hi := lo + per - 1
		if i == n-1 {
			hi = size - 1
		}
		bounds[i] = [2]int64{lo, hi}
	}
	var g errgroup.Group
	g.SetLimit(f.MaxPerHost)
	for _, b := range bounds {
		lo, hi := b[0], b[1]
		g.Go(func() error {
			return f.segment(url, partName(dest, lo, hi), lo, hi)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := assemble(dest, bounds); err != nil {
		return err
	}
	log.Debugf("fetched %s in %d segments (%s)",
		filepath.Base(dest), n, time.Since(start).Round(time.Millisecond))
	return nil
}

// partName embeds the byte range so a part left by a run with a different
// segment count is never mistaken for this one.
func partName(dest string, lo, hi int64) string {
	return fmt.Sprintf("%s.part%d-%d", dest, lo, hi)
}

// segment brings one part file up to its full [lo,hi] range, continuing
// from whatever a previous run already wrote.
func (f *Fetcher) segment(url, part string, lo, hi int64) error {
	want := hi - lo + 1
	var have int64
	if fi, err := os.Stat(part); err == nil {
		have = fi.Size()
	}
	if have > want {
		// longer than its range, cannot be trusted
		if err := os.Truncate(part, 0); err != nil {
			return err
		}
		have = 0
	}
	if have == want {
		return nil
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", lo+have, hi))
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: %s", ErrTransfer, resp.Status)
	}
	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	return out.Close()
}

// assemble concatenates the part files into dest and removes every part,
// including stale ones left by runs with a different segment count.
func assemble(dest string, bounds [][2]int64) error {
	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for _, b := range bounds {
		in, err := os.Open(partName(dest, b[0], b[1]))
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}
	return cleanupParts(dest)
}

func cleanupParts(dest string) error {
	parts, err := filepath.Glob(dest + ".part*")
	if err != nil {
		return err
	}
	for _, p := range parts {
		_ = os.Remove(p)
	}
	return nil
}
