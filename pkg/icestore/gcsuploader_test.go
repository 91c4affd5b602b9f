package icestore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, w *mockGCSWriter) []Record {
	t.Helper()
	gzReader, err := gzip.NewReader(bytes.NewReader(w.buf.Bytes()))
	require.NoError(t, err)
	content, err := io.ReadAll(gzReader)
	require.NoError(t, err)

	var records []Record
	for _, line := range bytes.Split(bytes.TrimSpace(content), []byte("\n")) {
		var rec Record
		require.NoError(t, json.Unmarshal(line, &rec))
		records = append(records, rec)
	}
	return records
}

func TestGCSBatchUploader_UploadBatch_SingleGroup(t *testing.T) {
	// Arrange
	mockClient := newMockGCSClient()
	config := GCSBatchUploaderConfig{
		BucketName:   "test-bucket",
		ObjectPrefix: "archive",
	}
	uploader, err := NewGCSBatchUploader(mockClient, config, zerolog.Nop())
	require.NoError(t, err)

	batch := []*Record{
		{ID: "rec-1", BatchKey: "conn-1/2025/06/13", Text: `{"data":"one"}`},
		{ID: "rec-2", BatchKey: "conn-1/2025/06/13", Payload: []byte{0x01, 0x02}},
	}

	// Act
	err = uploader.UploadBatch(context.Background(), batch)
	require.NoError(t, err)

	// Assert
	names := mockClient.bucket.objectNames()
	require.Len(t, names, 1, "Expected one object to be created")
	assert.True(t, strings.HasPrefix(names[0], "archive/conn-1/2025/06/13/"), "Object path is incorrect: %s", names[0])
	assert.True(t, strings.HasSuffix(names[0], ".jsonl.gz"))

	writer := mockClient.bucket.objects[names[0]].writer
	assert.True(t, writer.closed)
	records := readRecords(t, writer)
	require.Len(t, records, 2, "Expected two JSON records in the file")
	assert.Equal(t, "rec-1", records[0].ID)
	assert.Equal(t, `{"data":"one"}`, records[0].Text)
	assert.Equal(t, []byte{0x01, 0x02}, records[1].Payload)
}

func TestGCSBatchUploader_UploadBatch_MultipleGroups(t *testing.T) {
	// Arrange
	mockClient := newMockGCSClient()
	uploader, err := NewGCSBatchUploader(mockClient, GCSBatchUploaderConfig{BucketName: "test-bucket"}, zerolog.Nop())
	require.NoError(t, err)

	batch := []*Record{
		{ID: "a1", BatchKey: "conn-a/2025/06/14"},
		{ID: "b1", BatchKey: "conn-b/2025/06/14"},
		{ID: "a2", BatchKey: "conn-a/2025/06/14"},
		nil,
		{ID: "no-key"},
	}

	// Act
	err = uploader.UploadBatch(context.Background(), batch)
	require.NoError(t, err)

	// Assert
	names := mockClient.bucket.objectNames()
	require.Len(t, names, 2, "Expected two objects for two unique keys")
	foundA, foundB := false, false
	for _, objectName := range names {
		if strings.HasPrefix(objectName, "conn-a/") {
			foundA = true
		}
		if strings.HasPrefix(objectName, "conn-b/") {
			foundB = true
		}
	}
	assert.True(t, foundA, "Object for conn-a was not created")
	assert.True(t, foundB, "Object for conn-b was not created")
	assert.NoError(t, uploader.Close())
}

func TestGroupByConnectionDay(t *testing.T) {
	// Arrange
	items := []*Record{
		{ID: "b1", BatchKey: "conn-b/2025/06/14", ConnectionID: "conn-b"},
		{ID: "a1", BatchKey: "conn-a/2025/06/14"},
		{ID: "b2", BatchKey: "conn-b/2025/06/14", ConnectionID: "conn-b"},
		{ID: "b3", BatchKey: "conn-b/2025/06/15", ConnectionID: "conn-b"},
		nil,
		{ID: "no-key"},
	}

	// Act
	groups := groupByConnectionDay(items)

	// Assert
	require.Len(t, groups, 3)
	assert.Equal(t, "conn-b", groups[0].connectionID)
	assert.Equal(t, "2025/06/14", groups[0].day)
	require.Len(t, groups[0].records, 2)
	assert.Equal(t, "b2", groups[0].records[1].ID)
	assert.Equal(t, "conn-a", groups[1].connectionID, "connection falls back to the key")
	assert.Equal(t, "2025/06/15", groups[2].day)
}

func TestGCSBatchUploader_UploadBatch_FailedGroupNamesConnection(t *testing.T) {
	// Arrange
	mockClient := newMockGCSClient()
	mockClient.bucket.failOn = "conn-b/"
	uploader, err := NewGCSBatchUploader(mockClient, GCSBatchUploaderConfig{BucketName: "test-bucket"}, zerolog.Nop())
	require.NoError(t, err)

	batch := []*Record{
		{ID: "a1", BatchKey: "conn-a/2025/06/14", ConnectionID: "conn-a"},
		{ID: "b1", BatchKey: "conn-b/2025/06/14", ConnectionID: "conn-b"},
	}

	// Act
	err = uploader.UploadBatch(context.Background(), batch)

	// Assert
	require.Error(t, err)
	assert.ErrorContains(t, err, "upload rejected")
	assert.ErrorContains(t, err, "conn-b/2025/06/14/")
	assert.Len(t, mockClient.bucket.objectNames(), 2, "the healthy group is still archived")
}

func TestNewGCSBatchUploader_Validation(t *testing.T) {
	_, err := NewGCSBatchUploader(nil, GCSBatchUploaderConfig{BucketName: "b"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewGCSBatchUploader(newMockGCSClient(), GCSBatchUploaderConfig{}, zerolog.Nop())
	assert.Error(t, err)
}
