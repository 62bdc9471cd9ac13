package cdc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Printer is a diagnostic consumer that writes every row in a readable form
type Printer struct {
	out    io.Writer
	mu     *sync.Mutex
	redact *ColumnFilter
}

// Consume writes the row header followed by its columns sorted by name
func (p *Printer) Consume(_ context.Context, row ChangeRow) error {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "table=%s stream=%s time=%s op=%s batch_seq=%d end_of_batch=%t",
		row.Table,
		row.StreamID,
		row.Time.UTC().Format(time.RFC3339Nano),
		row.Operation,
		row.BatchSeq,
		row.EndOfBatch,
	)
	if row.TTL != nil {
		fmt.Fprintf(&buf, " ttl=%d", *row.TTL)
	}
	buf.WriteByte('\n')

	names := make([]string, 0, len(row.Columns))
	for name := range row.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cell := row.Columns[name]
		fmt.Fprintf(&buf, "  %s: ", name)
		switch {
		case p.redact.Match(name):
			buf.WriteString("<redacted>")
		case cell.Deleted:
			buf.WriteString("<deleted>")
		default:
			fmt.Fprintf(&buf, "%v", cell.Value)
		}
		if cell.DeletedElements != nil {
			fmt.Fprintf(&buf, " deleted_elements=%v", cell.DeletedElements)
		}
		buf.WriteByte('\n')
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.out.Write(buf.Bytes())
	return err
}

// PrinterFactory creates printers sharing one writer. Each row is written
// whole, so shards never interleave within a row.
type PrinterFactory struct {
	out    io.Writer
	mu     sync.Mutex
	redact *ColumnFilter
}

// NewPrinterFactory creates a printer factory; columns matching any of the
// redact patterns are printed as <redacted>
func NewPrinterFactory(out io.Writer, redactPatterns []string) (*PrinterFactory, error) {
	filter, err := NewColumnFilter(redactPatterns)
	if err != nil {
		return nil, err
	}
	return &PrinterFactory{out: out, redact: filter}, nil
}

func (f *PrinterFactory) NewConsumer() (Consumer, error) {
	return &Printer{out: f.out, mu: &f.mu, redact: f.redact}, nil
}
