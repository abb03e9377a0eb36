package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
)

// fileHistory appends one JSON object per line. Each append is fsynced
// before it returns.
type fileHistory struct {
	path string
	log  logx.Logger

	mu      sync.Mutex
	f       *os.File
	w       io.Writer
	lastSeq int64
	// torn is set when a write may have left a partial line behind.
	torn bool
}

func openFile(path string, log logx.Logger) (History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	h := &fileHistory{path: path, log: log.Component("history"), f: f, w: f}

	entries, err := h.read()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if n := len(entries); n > 0 {
		h.lastSeq = entries[n-1].Seq
	}
	if err := h.terminateTornLine(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return h, nil
}

// terminateTornLine makes sure the next append starts on a fresh line.
func (h *fileHistory) terminateTornLine() error {
	info, err := h.f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	rf, err := os.Open(h.path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer rf.Close()
	last := make([]byte, 1)
	if _, err := rf.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read history tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = h.f.Write([]byte{'\n'})
	return err
}

func (h *fileHistory) Append(ctx context.Context, e model.Entry) (model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return model.Entry{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f == nil {
		return model.Entry{}, errors.New("history closed")
	}
	if h.torn {
		if err := h.terminateTornLine(); err != nil {
			return model.Entry{}, fmt.Errorf("repair history tail: %w", err)
		}
		h.torn = false
	}
	e.Seq = h.lastSeq + 1
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return model.Entry{}, fmt.Errorf("marshal history entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := h.w.Write(line); err != nil {
		h.torn = true
		if terr := h.terminateTornLine(); terr == nil {
			h.torn = false
		}
		return model.Entry{}, fmt.Errorf("append history: %w", err)
	}
	if err := h.f.Sync(); err != nil {
		return model.Entry{}, fmt.Errorf("sync history: %w", err)
	}
	h.lastSeq = e.Seq
	return e, nil
}

// Entries re-reads the file so readers in other processes see every append.
func (h *fileHistory) Entries(ctx context.Context) ([]model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.read()
}

func (h *fileHistory) read() ([]model.Entry, error) {
	f, err := os.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var entries []model.Entry
	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			lineNo++
			var e model.Entry
			if uerr := json.Unmarshal(line, &e); uerr != nil {
				// A torn final line from a crash mid-append is skipped.
				h.log.Warn("skipping unreadable history line",
					logx.String("path", h.path), logx.Int("line", lineNo), logx.Err(uerr))
			} else {
				entries = append(entries, e)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read history: %w", err)
		}
	}
	return entries, nil
}

func (h *fileHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}
