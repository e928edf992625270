package astm

/*------------------------------------------------------------------
 *
 * Purpose:   	Append-only message dumps on disk.
 *
 * Description:	One file per message: the raw record lines, CR-joined,
 *		transport framing long gone.  Files are written to a
 *		temporary name and renamed into place so a reader
 *		polling the directory never sees a half-written dump.
 *
 *		Names are <unix_millis>-<counter>.txt by default.  A
 *		strftime pattern can replace the millis part for sites
 *		that sort dumps by eye; the counter stays, it is what
 *		keeps names unique within one millisecond.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/strftime"
)

type FileSink struct {
	dir     string
	pattern *strftime.Strftime // nil for the default millis naming
	counter atomic.Uint64
}

// NewFileSink prepares a sink writing into dir, creating it if
// missing.  timestampFormat is an optional strftime pattern for the
// name prefix; empty means unix milliseconds.
func NewFileSink(dir string, timestampFormat string) (*FileSink, error) {
	if mkdirErr := os.MkdirAll(dir, 0755); mkdirErr != nil {
		return nil, fmt.Errorf("file sink: %w", mkdirErr)
	}

	var s = &FileSink{dir: dir}

	if timestampFormat != "" {
		var p, err = strftime.New(timestampFormat)
		if err != nil {
			return nil, fmt.Errorf("file sink timestamp format: %w", err)
		}
		s.pattern = p
	}

	return s, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Deliver(msg *Message) error {
	var n = s.counter.Add(1)

	var prefix string
	if s.pattern != nil {
		prefix = s.pattern.FormatString(time.Now())
	} else {
		prefix = fmt.Sprintf("%d", time.Now().UnixMilli())
	}

	var name = fmt.Sprintf("%s-%d.txt", prefix, n)
	var final = filepath.Join(s.dir, name)
	var tmp = filepath.Join(s.dir, "."+name+".tmp")

	if writeErr := os.WriteFile(tmp, []byte(msg.Text()), 0644); writeErr != nil {
		return writeErr
	}
	if renameErr := os.Rename(tmp, final); renameErr != nil {
		os.Remove(tmp)
		return renameErr
	}

	return nil
}
