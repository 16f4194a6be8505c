// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/mia-platform/amux/internal/destination"
)

var (
	_ destination.Backend = &writerBackend{}
	_ destination.Opter   = &writerBackend{}
)

// NewAdapter returns an Adapter that renders every call addressed to name on
// w instead of reaching a vendor. Wrap w with Synchronized when several
// adapters share it.
func NewAdapter(name string, w io.Writer, options destination.Options) destination.Adapter {
	return destination.NewAdapter(name, &writerBackend{name: name, writer: w}, options)
}

// writerBackend renders tracking calls to an io.Writer. It acquires no real
// resource and is ready immediately.
type writerBackend struct {
	name   string
	writer io.Writer
}

// ResourceID implements destination.Backend.
func (b *writerBackend) ResourceID() string {
	return "writer:" + b.name
}

// AcquireResource implements destination.Backend.
func (b *writerBackend) AcquireResource(_ context.Context) error {
	return nil
}

// Ready implements destination.Backend.
func (b *writerBackend) Ready(_ context.Context) bool {
	return true
}

// Track implements destination.Backend.
func (b *writerBackend) Track(_ context.Context, event destination.Event) error {
	return b.render("Track event:", event)
}

// Identify implements destination.Backend.
func (b *writerBackend) Identify(_ context.Context, identity destination.Identity) error {
	return b.render("Identify user:", identity)
}

// Page implements destination.Backend.
func (b *writerBackend) Page(_ context.Context, view destination.PageView) error {
	return b.render("Track page view:", view)
}

// OptIn implements destination.Opter.
func (b *writerBackend) OptIn(_ context.Context) error {
	_, err := fmt.Fprintf(b.writer, "Collection enabled\n\tDestination: %s\n", b.name)
	return err
}

// OptOut implements destination.Opter.
func (b *writerBackend) OptOut(_ context.Context) error {
	_, err := fmt.Fprintf(b.writer, "Collection disabled\n\tDestination: %s\n", b.name)
	return err
}

// render emits the call header, the destination name and the payload as
// indented JSON with a single write on the underlying writer.
func (b *writerBackend) render(header string, payload any) error {
	encoded, err := json.MarshalIndent(payload, "\t", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(b.writer, "%s\n\tDestination: %s\n\t%s\n", header, b.name, encoded)
	return err
}

// Synchronized wraps w so that adapters sharing it from concurrent lifecycles
// cannot interleave their writes.
func Synchronized(w io.Writer) io.Writer {
	return &syncWriter{writer: w}
}

type syncWriter struct {
	mtx    sync.Mutex
	writer io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.writer.Write(p)
}
