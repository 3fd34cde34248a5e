// Package statslog periodically appends a CSV row of connection counters
// to a file, the rudt analogue of kcptun's std/snmp.go SnmpLogger: ambient
// observability tooling, not a protocol feature.
package statslog

import (
	"encoding/csv"
	"log"
	"os"
	"strconv"
	"time"
)

// Source is anything that can report a header and the current row of
// counter values, satisfied by rudt.BStats's Header()/Values() pairing.
type Source interface {
	Header() []string
	Values() []uint64
}

// Writer appends one row per sampling interval to path, flushing after
// every write so a tailing `tail -f` sees rows as they land.
type Writer struct {
	path     string
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// Start opens (or creates) path and begins the periodic sampling loop in
// a background goroutine, matching SnmpLogger(path, interval)'s contract.
func Start(path string, interval time.Duration, source Source) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, statErr := f.Stat()
	needsHeader := statErr == nil && info.Size() == 0

	w := &Writer{path: path, interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
	cw := csv.NewWriter(f)
	if needsHeader {
		header := append([]string{"unix"}, source.Header()...)
		if err := cw.Write(header); err != nil {
			log.Printf("statslog: header write failed: %v", err)
		}
		cw.Flush()
	}

	go func() {
		defer close(w.done)
		defer f.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case t := <-ticker.C:
				row := []string{strconv.FormatInt(t.Unix(), 10)}
				for _, v := range source.Values() {
					row = append(row, strconv.FormatUint(v, 10))
				}
				if err := cw.Write(row); err != nil {
					log.Printf("statslog: write failed: %v", err)
					continue
				}
				cw.Flush()
			}
		}
	}()
	return w, nil
}

func (w *Writer) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}
