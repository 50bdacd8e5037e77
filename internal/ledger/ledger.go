// Package ledger 实现追加式 CSV 结果账本：成功与失败各一个文件，每个工作单元恰好一行。
package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"llmextract/pkg/contract"
)

type (
	Status = contract.Status
	Entry  = contract.LedgerEntry
)

const (
	DefaultSuccessFile = "extraction_success.csv"
	DefaultFailureFile = "extraction_failure.csv"

	// noError 为无错误信息时的占位
	noError = "-"
)

var header = []string{"timestamp", "file_path", "status", "error_message"}

// Options: 账本位置。空字段取默认值。
type Options struct {
	Dir         string `yaml:"dir"`
	SuccessFile string `yaml:"success_file"`
	FailureFile string `yaml:"failure_file"`
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Dir) == "" {
		o.Dir = "."
	}
	if strings.TrimSpace(o.SuccessFile) == "" {
		o.SuccessFile = DefaultSuccessFile
	}
	if strings.TrimSpace(o.FailureFile) == "" {
		o.FailureFile = DefaultFailureFile
	}
	return o
}

// Paths 返回成功/失败文件的完整路径。
func (o Options) Paths() (success, failure string) {
	o = o.withDefaults()
	return filepath.Join(o.Dir, o.SuccessFile), filepath.Join(o.Dir, o.FailureFile)
}

// Ledger: 并发安全；每次 Append 以单次 Write 写入完整一行并刷盘。
// 两个文件均在各自首次 Append 时创建（新建或为空时写表头）。
type Ledger struct {
	mu          sync.Mutex
	successPath string
	failurePath string
	success     *os.File
	failure     *os.File
	closed      bool
	now         func() time.Time
}

var _ contract.Ledger = (*Ledger)(nil)

// Open 准备账本目录；文件延迟到首次写入时打开。
func Open(opts Options) (*Ledger, error) {
	sp, fp := opts.Paths()
	for _, d := range []string{filepath.Dir(sp), filepath.Dir(fp)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("ledger: mkdir: %w", err)
		}
	}
	return &Ledger{successPath: sp, failurePath: fp, now: time.Now}, nil
}

// fileFor 返回状态对应的文件，首次使用时打开。调用方持有 l.mu。
func (l *Ledger) fileFor(st Status) (*os.File, error) {
	if l.closed {
		return nil, fmt.Errorf("ledger: %w: closed", contract.ErrInvariantViolation)
	}
	f, p := &l.failure, l.failurePath
	if st == contract.StatusSuccess {
		f, p = &l.success, l.successPath
	}
	if *f == nil {
		nf, err := openWithHeader(p)
		if err != nil {
			return nil, err
		}
		*f = nf
	}
	return *f, nil
}

func openWithHeader(p string) (*os.File, error) {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", p, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ledger: stat %s: %w", p, err)
	}
	if st.Size() == 0 {
		line, err := encode(header)
		if err == nil {
			_, err = f.Write(line)
		}
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("ledger: header %s: %w", p, err)
		}
	}
	return f, nil
}

func encode(rec []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(rec); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Append 追加一条记录；Time 为零值时取当前时间。
// SUCCESS 写入成功文件，其余写入失败文件。
func (l *Ledger) Append(e Entry) error {
	if e.FileID == "" {
		return fmt.Errorf("ledger: %w: empty file id", contract.ErrInvalidInput)
	}
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	msg := strings.TrimSpace(e.Err)
	if msg == "" {
		msg = noError
	}
	line, err := encode([]string{e.Time.UTC().Format(time.RFC3339), string(e.FileID), string(e.Status), msg})
	if err != nil {
		return fmt.Errorf("ledger: encode: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.fileFor(e.Status)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("ledger: write: %w", err)
	}
	return f.Sync()
}

// Close 关闭已打开的文件；可重复调用。关闭后 Append 返回错误。
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	var errs []error
	for _, f := range []**os.File{&l.success, &l.failure} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

// ReadEntries 解析一个账本文件（跳过表头）。文件不存在时返回空。
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)
	var out []Entry
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: parse %s: %w", path, err)
		}
		if first {
			first = false
			if rec[0] == header[0] {
				continue
			}
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("ledger: parse %s: timestamp %q: %w", path, rec[0], err)
		}
		msg := rec[3]
		if msg == noError {
			msg = ""
		}
		out = append(out, Entry{Time: ts, FileID: contract.FileID(rec[1]), Status: Status(rec[2]), Err: msg})
	}
}
