package mapping

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexLookupAndUnused(t *testing.T) {
	ix, err := NewIndex([]Record{
		{LegacyTxnIDNorm: "ABC123", LegacyEntityType: "Bill", QBOEntityType: "Bill", QBOEntityID: "1001"},
		{LegacyTxnIDNorm: "DEF456", LegacyEntityType: "Bill", QBOEntityType: "Bill", QBOEntityID: "1002"},
		{LegacyTxnIDNorm: "ABC123", LegacyEntityType: "Invoice", QBOEntityType: "Invoice", QBOEntityID: "2001"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, ix.Len())

	row, ok := ix.Lookup("ABC123", "Bill")
	require.True(t, ok)
	assert.Equal(t, "1001", row.QBOEntityID)

	_, ok = ix.Lookup("ABC123", "Check")
	assert.False(t, ok, "entity type is part of the key")

	unused := ix.Unused()
	require.Len(t, unused, 2)
	assert.Equal(t, "DEF456", unused[0].LegacyTxnIDNorm)
	assert.Equal(t, "Invoice", unused[1].LegacyEntityType)
}

func TestIndexCollapsesIdenticalDuplicates(t *testing.T) {
	row := Record{LegacyTxnIDNorm: "ABC123", LegacyEntityType: "Bill", QBOEntityType: "Bill", QBOEntityID: "1001"}
	ix, err := NewIndex([]Record{row, row})
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Len())
}

func TestIndexRejectsConflictingDuplicates(t *testing.T) {
	_, err := NewIndex([]Record{
		{LegacyTxnIDNorm: "ABC123", LegacyEntityType: "Bill", QBOEntityType: "Bill", QBOEntityID: "1001"},
		{LegacyTxnIDNorm: "ABC123", LegacyEntityType: "Bill", QBOEntityType: "Bill", QBOEntityID: "9999"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "9999", conflict.Incoming.QBOEntityID)
}

func TestSampleExportOmitsMissingID(t *testing.T) {
	rows := SampleExport()
	require.Len(t, rows, 2)
	assert.Equal(t, "ABC123", rows[0].LegacyTxnIDNorm)
	assert.Equal(t, "1001", rows[0].QBOEntityID)
	assert.Equal(t, "DEF456", rows[1].LegacyTxnIDNorm)
	assert.Equal(t, "1002", rows[1].QBOEntityID)
}

func TestCSVRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, SampleExport()))
	rows, malformed, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Zero(t, malformed)
	assert.Equal(t, SampleExport(), rows)
}

func TestReadCSVKeepsRowsWithTrailingFields(t *testing.T) {
	input := "legacy_txnid_norm,legacy_entity_type,qbo_entity_type,qbo_entity_id\n" +
		"ABC123,Bill,Bill,1001,\n" +
		"DEF456,Bill,Bill,1002\n" +
		"GHI789,Bill,Bill\n"
	rows, malformed, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Record{LegacyTxnIDNorm: "ABC123", LegacyEntityType: "Bill", QBOEntityType: "Bill", QBOEntityID: "1001"}, rows[0])
	assert.Equal(t, "DEF456", rows[1].LegacyTxnIDNorm)
	assert.Equal(t, 1, malformed)
}

func TestLoadReportsSkippedCSVRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping_export.csv")
	input := "legacy_txnid_norm,legacy_entity_type,qbo_entity_type,qbo_entity_id\nABC123,Bill\n"
	require.NoError(t, os.WriteFile(path, []byte(input), 0o644))
	rows, malformed, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1, malformed)
}

func TestReadJSONValidatesDocument(t *testing.T) {
	valid := `{"mappings":[{"legacy_txnid_norm":"ABC123","legacy_entity_type":"Bill","qbo_entity_type":"Bill","qbo_entity_id":"1001"}]}`
	rows, err := ReadJSON(strings.NewReader(valid))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1001", rows[0].QBOEntityID)

	missingID := `{"mappings":[{"legacy_txnid_norm":"ABC123","legacy_entity_type":"Bill","qbo_entity_type":"Bill"}]}`
	_, err = ReadJSON(strings.NewReader(missingID))
	assert.ErrorIs(t, err, ErrInvalidInput)

	wrongType := `{"mappings":[{"legacy_txnid_norm":"ABC123","legacy_entity_type":"Bill","qbo_entity_type":"Bill","qbo_entity_id":1001}]}`
	_, err = ReadJSON(strings.NewReader(wrongType))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ReadJSON(strings.NewReader(`{"mappings":`))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoadPicksReaderByExtension(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "mapping_export.json")
	f, err := os.Create(jsonPath)
	require.NoError(t, err)
	require.NoError(t, WriteJSON(f, SampleExport()))
	require.NoError(t, f.Close())

	csvPath := filepath.Join(dir, "mapping_export.csv")
	f, err = os.Create(csvPath)
	require.NoError(t, err)
	require.NoError(t, WriteCSV(f, SampleExport()))
	require.NoError(t, f.Close())

	fromJSON, _, err := Load(jsonPath)
	require.NoError(t, err)
	fromCSV, _, err := Load(csvPath)
	require.NoError(t, err)
	assert.Equal(t, fromCSV, fromJSON)

	_, _, err = Load(filepath.Join(dir, "absent.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
