package icestore

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
)

// mockGCSWriter is a mock GCSWriter that writes to an in-memory buffer.
type mockGCSWriter struct {
	buf      bytes.Buffer
	closed   bool
	closeErr error
}

func (m *mockGCSWriter) Write(p []byte) (n int, err error) {
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	return m.buf.Write(p)
}

func (m *mockGCSWriter) Close() error {
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return m.closeErr
}

type mockGCSObjectHandle struct {
	writer   *mockGCSWriter
	closeErr error
}

func (m *mockGCSObjectHandle) NewWriter(_ context.Context) GCSWriter {
	if m.writer == nil {
		m.writer = &mockGCSWriter{closeErr: m.closeErr}
	}
	return m.writer
}

// mockGCSBucketHandle stores created objects in a map. Writers of objects
// whose name contains failOn fail on Close.
type mockGCSBucketHandle struct {
	mu      sync.Mutex
	objects map[string]*mockGCSObjectHandle
	failOn  string
}

func (m *mockGCSBucketHandle) Object(name string) GCSObjectHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]*mockGCSObjectHandle)
	}
	if _, ok := m.objects[name]; !ok {
		obj := &mockGCSObjectHandle{}
		if m.failOn != "" && strings.Contains(name, m.failOn) {
			obj.closeErr = errors.New("upload rejected")
		}
		m.objects[name] = obj
	}
	return m.objects[name]
}

func (m *mockGCSBucketHandle) objectNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	return names
}

type mockGCSClient struct {
	bucket *mockGCSBucketHandle
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{bucket: &mockGCSBucketHandle{}}
}

func (m *mockGCSClient) Bucket(_ string) GCSBucketHandle {
	return m.bucket
}

// mockFinalUploader is a mock implementation of the DataUploader interface.
type mockFinalUploader struct {
	sync.Mutex
	UploadBatchFn func(ctx context.Context, items []*Record) error
	callCount     int
	receivedItems [][]*Record
}

func (m *mockFinalUploader) UploadBatch(ctx context.Context, items []*Record) error {
	m.Lock()
	defer m.Unlock()
	m.callCount++
	m.receivedItems = append(m.receivedItems, items)
	if m.UploadBatchFn != nil {
		return m.UploadBatchFn(ctx, items)
	}
	return nil
}

func (m *mockFinalUploader) Close() error { return nil }

func (m *mockFinalUploader) GetCallCount() int {
	m.Lock()
	defer m.Unlock()
	return m.callCount
}

func (m *mockFinalUploader) GetReceivedItems() [][]*Record {
	m.Lock()
	defer m.Unlock()
	return m.receivedItems
}
