package cohort

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ScanEOF is the count reported by scans that hit end of input before
// parsing anything.
const ScanEOF = -1

// File is a file opened by the master on behalf of a group. Only the
// master holds an OS handle; on other ranks File is a placeholder that
// must not be read from.
type File struct {
	name string
	f    *os.File
	r    *bufio.Reader
}

func (f *File) Name() string {
	if f == nil {
		return ""
	}
	return f.name
}

// Held reports whether this rank holds the OS handle.
func (f *File) Held() bool { return f != nil && f.f != nil }

// Write writes p to the file on the master and discards it elsewhere.
func (f *File) Write(p []byte) (int, error) {
	if !f.Held() {
		return len(p), nil
	}
	return f.f.Write(p)
}

func (f *File) scan(format string, args ...any) int {
	if !f.Held() {
		return 0
	}
	if skipsSpace(format) {
		if err := f.skipSpace(); err != nil {
			return ScanEOF
		}
	}
	n, err := fmt.Fscanf(f.r, format, args...)
	if n == 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		return ScanEOF
	}
	return n
}

// skipsSpace reports whether format starts with a directive that ignores
// leading whitespace in the input, as numeric and string verbs do for
// fscanf. `%c` and literals match the input as is.
func skipsSpace(format string) bool {
	if format == "" {
		return false
	}
	if unicode.IsSpace(rune(format[0])) {
		return true
	}
	if format[0] != '%' {
		return false
	}
	verb := strings.TrimLeft(format[1:], "0123456789")
	return verb != "" && verb[0] != 'c' && verb[0] != '%'
}

func (f *File) skipSpace() error {
	for {
		r, _, err := f.r.ReadRune()
		if err != nil {
			return err
		}
		if !unicode.IsSpace(r) {
			return f.r.UnreadRune()
		}
	}
}

// parseMode maps an fopen-style mode to `os.OpenFile` flags.
func parseMode(mode string) (int, error) {
	base := strings.ReplaceAll(mode, "b", "")
	switch base {
	case "r":
		return os.O_RDONLY, nil
	case "w":
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, nil
	case "a":
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND, nil
	case "r+":
		return os.O_RDWR, nil
	case "w+":
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, nil
	case "a+":
		return os.O_RDWR | os.O_CREATE | os.O_APPEND, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadMode, mode)
	}
}

// OpenFile opens path on the master and lets every rank agree on the
// outcome. This is a collective call.
//
// All ranks get `ErrOpenFailed` if the master could not open the file.
// Only the master's File holds a handle.
func OpenFile(g *Group, path, mode string) (*File, error) {
	file := &File{name: path}
	var good int32

	if g.IsMaster() {
		fh, err := openMode(path, mode)
		if err != nil {
			g.logger.Warn("could not open file", LabelPath.L(path), LabelError.L(err))
		} else {
			file.f = fh
			file.r = bufio.NewReader(fh)
			good = 1
		}
	}

	if err := BroadcastValue(g, &good); err != nil {
		if file.Held() {
			file.f.Close()
		}
		return nil, err
	}
	if good == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOpenFailed, path)
	}
	return file, nil
}

func openMode(path, mode string) (*os.File, error) {
	flag, err := parseMode(mode)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(path, flag, 0o644)
}

// CloseFile closes f on the master and lets every rank agree on the
// outcome. This is a collective call.
func CloseFile(g *Group, f *File) error {
	var status int32
	if g.IsMaster() && f.Held() {
		if err := f.f.Close(); err != nil {
			g.logger.Warn("could not close file", LabelPath.L(f.Name()), LabelError.L(err))
			status = 1
		} else {
			f.f = nil
			f.r = nil
		}
	}

	if err := BroadcastValue(g, &status); err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("%w: %s", ErrCloseFailed, f.Name())
	}
	return nil
}

// ScanBroadcast scans one value from f on the master and hands it to every
// rank. This is a collective call.
//
// The scan count is shared first, so every rank sees the same count
// (`ScanEOF` at end of input). dst is only written, on every rank, when
// exactly one value was parsed; all ranks must agree on whether dst is nil.
func ScanBroadcast[T Scalar](g *Group, f *File, format string, dst *T) (int, error) {
	var count int32
	var val T
	if g.IsMaster() {
		count = int32(f.scan(format, &val))
	}

	if err := BroadcastValue(g, &count); err != nil {
		return 0, err
	}
	if count != 1 || dst == nil {
		return int(count), nil
	}

	if g.IsMaster() {
		*dst = val
	}
	if err := BroadcastValue(g, dst); err != nil {
		return 0, err
	}
	return int(count), nil
}

// MasterScan scans f on the master only. Other ranks return (0, nil) and
// are left to reconcile with the master themselves.
func MasterScan(g *Group, f *File, format string, args ...any) (int, error) {
	if !g.IsMaster() {
		return 0, nil
	}
	if !f.Held() {
		return 0, ErrOpenFailed
	}
	return f.scan(format, args...), nil
}

// MasterPrint writes msg as a line on the master's output.
func MasterPrint(g *Group, msg string) (int, error) {
	if !g.IsMaster() {
		return 0, nil
	}
	return fmt.Fprintln(g.output(), msg)
}

// MasterPrintf formats on the master's output, as `fmt.Printf` would.
func MasterPrintf(g *Group, format string, args ...any) (int, error) {
	if !g.IsMaster() {
		return 0, nil
	}
	return fmt.Fprintf(g.output(), format, args...)
}

// AllRanksPrint writes one line per rank on the master's output, in rank
// order, each prefixed with `(<rank>): `. This is a collective call.
//
// Each message is cut to the group's print capacity.
func AllRanksPrint(g *Group, msg string) error {
	local := g.clip(strings.TrimSuffix(msg, "\n"))

	if !g.IsMaster() {
		if err := Send(g, g.master, []int32{int32(len(local))}); err != nil {
			return err
		}
		return Send(g, g.master, []byte(local))
	}

	out := g.output()
	for rank := 0; rank < g.size; rank++ {
		text := local
		if rank != g.rank {
			length := []int32{0}
			if err := Recv(g, rank, length); err != nil {
				return err
			}
			buf := make([]byte, length[0])
			if err := Recv(g, rank, buf); err != nil {
				return err
			}
			text = string(buf)
		}
		if _, err := fmt.Fprintf(out, "(%d): %s\n", rank, text); err != nil {
			return err
		}
	}
	return nil
}

// AllRanksPrintf is `AllRanksPrint` of a formatted message.
func AllRanksPrintf(g *Group, format string, args ...any) error {
	return AllRanksPrint(g, fmt.Sprintf(format, args...))
}

func (g *Group) clip(msg string) string {
	capacity := g.cfg.printCapacity
	if len(msg) <= capacity {
		return msg
	}
	cut := capacity
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	g.msink.IncrCounterWithLabels(MetricPrintTruncated, 1.0, g.cfg.metricLabels)
	return msg[:cut]
}
